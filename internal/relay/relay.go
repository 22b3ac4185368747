package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/QuadDarv1ne/MTProxy-sub003/internal/bufpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/connpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/metrics"
)

// copyBufferSize is the per-direction relay buffer request. It lands in the
// 16KiB bucket, the sweet spot between syscall count and retained memory for
// typical session traffic.
const copyBufferSize = 16 << 10

// Config holds the relay's session policy.
type Config struct {
	BackendAddr string
	MaxSessions int
	AcceptRate  int // accepted connections per second
	AcceptBurst int
	DialTimeout time.Duration
}

// Relay accepts client connections and pipes them to the backend. Backend
// connections come from the connection pool when possible and are donated
// back after a clean session; copy buffers come from the buffer manager.
type Relay struct {
	cfg     Config
	logger  zerolog.Logger
	pool    *connpool.Pool
	buffers *bufpool.Manager
	target  connpool.Target

	limiter  *rate.Limiter
	sessions chan struct{} // semaphore bounding concurrent sessions

	wg sync.WaitGroup
}

// New builds a relay over the given pool and buffer manager.
func New(cfg Config, pool *connpool.Pool, buffers *bufpool.Manager, logger zerolog.Logger) *Relay {
	burst := cfg.AcceptBurst
	if burst < 1 {
		burst = 1
	}
	return &Relay{
		cfg:      cfg,
		logger:   logger.With().Str("component", "relay").Logger(),
		pool:     pool,
		buffers:  buffers,
		target:   connpool.Target(cfg.BackendAddr),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst),
		sessions: make(chan struct{}, cfg.MaxSessions),
	}
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each accepted connection gets its own session goroutine; Serve returns
// after all sessions have drained.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	defer r.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if !r.limiter.Allow() {
			metrics.SessionRejected()
			r.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Msg("Connection rejected by accept limiter")
			_ = conn.Close()
			continue
		}

		select {
		case r.sessions <- struct{}{}:
		default:
			metrics.SessionRejected()
			r.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max_sessions", r.cfg.MaxSessions).
				Msg("Connection rejected, session cap reached")
			_ = conn.Close()
			continue
		}

		metrics.SessionStarted()
		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			defer func() { <-r.sessions }()
			defer metrics.SessionEnded()
			r.session(ctx, c)
		}(conn)
	}
}

// session relays bytes between one client and one backend connection, then
// decides the backend connection's fate: donate to the pool after a clean
// session, close it after a failed one.
func (r *Relay) session(ctx context.Context, client net.Conn) {
	defer client.Close()

	h, fromPool, err := r.acquireBackend(ctx)
	if err != nil {
		r.logger.Error().Err(err).
			Str("backend", r.cfg.BackendAddr).
			Msg("Backend unavailable")
		return
	}
	backend := h.Conn()

	// Downstream pump runs concurrently; upstream runs on this goroutine.
	// Whichever side finishes first kicks the other off its blocking read
	// with an expired deadline, so a quiet peer never pins the session.
	downDone := make(chan pumpResult, 1)
	go func() {
		res := r.pump(client, backend)
		_ = client.SetReadDeadline(time.Now())
		downDone <- res
	}()

	up := r.pump(backend, client)

	_ = backend.SetReadDeadline(time.Now())
	down := <-downDone
	_ = backend.SetReadDeadline(time.Time{})

	metrics.AddBytesRelayed(up.written + down.written)

	// The backend connection is only reusable when its own side of the
	// session stayed clean: a backend read/write error or EOF poisons it,
	// a client-side error does not. The deadline kicks above surface as
	// timeouts, which are ours, not the backend's.
	if isConnError(up.writeErr) || (down.readErr != nil && !isTimeout(down.readErr) && !errors.Is(down.readErr, net.ErrClosed)) {
		h.MarkFailed()
	}

	r.settleBackend(h, fromPool)
}

// acquireBackend takes a pooled connection for the backend target when one
// is available, dialing a fresh one otherwise. The bool reports whether the
// handle is pool-tracked.
func (r *Relay) acquireBackend(ctx context.Context) (*ConnHandle, bool, error) {
	h, err := r.pool.Acquire(r.target)
	if err == nil {
		return h.(*ConnHandle), true, nil
	}
	if !errors.Is(err, connpool.ErrNoConn) && !errors.Is(err, connpool.ErrClosed) {
		r.logger.Warn().Err(err).Msg("Pool acquire failed, dialing directly")
	}

	d := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", r.cfg.BackendAddr)
	if err != nil {
		return nil, false, err
	}
	return NewConnHandle(conn), false, nil
}

// settleBackend routes the backend connection after a session. Every path
// here is a fallback chain ending in a plain close; the pool is an
// optimization, never a requirement.
func (r *Relay) settleBackend(h *ConnHandle, fromPool bool) {
	if fromPool {
		// Pool-tracked: hand the borrow back even when failed: the
		// next health check pass observes the sticky flag and
		// CleanupExpired retires the entry.
		if err := r.pool.Return(h); err != nil {
			r.logger.Debug().Err(err).Msg("Return bypassed pool")
		}
		return
	}

	if h.Failed() {
		h.DecRef()
		return
	}

	if err := r.pool.Release(h, r.target); err != nil {
		// Capacity or shutdown: close it ourselves.
		h.DecRef()
		return
	}
	// The pool took its own reference; drop the dialer's.
	h.DecRef()
}

// pumpResult carries one direction's outcome with read and write errors kept
// apart, so session can attribute a failure to the right peer.
type pumpResult struct {
	written  int64
	readErr  error
	writeErr error
}

// pump copies src to dst with a pooled buffer until EOF or error. EOF is
// reported like any other read error; the caller decides what a closed peer
// means for its direction.
func (r *Relay) pump(dst, src net.Conn) pumpResult {
	var res pumpResult

	buf, err := r.buffers.Allocate(copyBufferSize)
	if err != nil {
		res.readErr = err
		return res
	}
	defer r.buffers.Release(buf, copyBufferSize)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			res.written += int64(w)
			if werr != nil {
				res.writeErr = werr
				return res
			}
		}
		if rerr != nil {
			res.readErr = rerr
			return res
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnError(err error) bool {
	return err != nil && !errors.Is(err, net.ErrClosed)
}
