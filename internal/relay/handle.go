// Package relay is the proxy's TCP data plane: it accepts client
// connections, pairs each with a backend connection (pool-first, dial on
// miss), and shuttles opaque bytes between them using pooled buffers.
//
// Protocol framing, obfuscation and crypto are handled elsewhere; this layer
// treats traffic as a byte stream.
package relay

import (
	"net"
	"sync/atomic"
)

// ConnHandle wraps a backend net.Conn with the reference counting and sticky
// error flags the connection pool requires. The final DecRef closes the
// underlying connection; double-decrement past zero is tolerated (the close
// happens exactly once, on the transition to zero).
type ConnHandle struct {
	conn   net.Conn
	refs   atomic.Int32
	failed atomic.Bool
}

// NewConnHandle wraps a freshly dialed connection. The creator starts with
// the single reference.
func NewConnHandle(c net.Conn) *ConnHandle {
	h := &ConnHandle{conn: c}
	h.refs.Store(1)
	return h
}

// Conn exposes the underlying connection for I/O.
func (h *ConnHandle) Conn() net.Conn { return h.conn }

// IncRef takes an additional reference.
func (h *ConnHandle) IncRef() {
	h.refs.Add(1)
}

// DecRef drops one reference and closes the connection when the count
// reaches zero.
func (h *ConnHandle) DecRef() {
	if h.refs.Add(-1) == 0 {
		_ = h.conn.Close()
	}
}

// Refs reports the current reference count.
func (h *ConnHandle) Refs() int32 { return h.refs.Load() }

// MarkFailed sets the sticky error flag. The connection keeps working at the
// transport level until closed; the flag only tells the pool's passive
// health checks to stop reissuing it.
func (h *ConnHandle) MarkFailed() {
	h.failed.Store(true)
}

// Failed reports the sticky error flag.
func (h *ConnHandle) Failed() bool {
	return h.failed.Load()
}
