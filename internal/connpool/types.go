// Package connpool implements reuse of outbound backend connections.
//
// The pool never dials. Callers that miss the pool create their own
// connection (dialing, retries, and backoff all belong to the networking
// layer) and donate it with Release when the session ends; the next Acquire
// for the same target hands it back out. The pool is therefore always an
// optimization and never a dependency: every operation has a non-pooled
// fallback path and nothing here is fatal to the process.
//
// Tracked connections live in exactly one of three membership sets at any
// instant: Active (borrowed by a caller), Idle (parked, eligible for reuse)
// or Free (an unbound entry slot waiting to be recycled). Moving an entry
// between sets is the pool's only membership mutation, done under one pool
// mutex together with the entry field updates it implies.
package connpool

import (
	"errors"
	"time"
)

// Handle is the pool's view of a connection owned by the networking layer.
// The pool holds one logical reference per tracked entry: IncRef on
// admission, DecRef exactly once on eviction or close. Failed reports the
// connection's sticky error flags and is the basis of the passive health
// check; it must be safe to call concurrently.
type Handle interface {
	IncRef()
	DecRef()
	Failed() bool
}

// Target identifies a backend endpoint. Connections are only ever reused for
// the target they were established against.
type Target string

// HealthStatus classifies a tracked connection from observed error flags.
// This is passive bookkeeping, not active probing.
type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
	HealthFailed
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthFailed:
		return "failed"
	default:
		return "invalid"
	}
}

var (
	// ErrNoConn is the Acquire miss: nothing usable for the target.
	// A normal outcome, not a fault; the caller dials its own connection.
	ErrNoConn = errors.New("connpool: no reusable connection")

	// ErrCapacity means a Release was refused because a configured cap
	// (total entries, idle set, per-target) is already reached. The caller
	// falls back to closing the connection itself.
	ErrCapacity = errors.New("connpool: capacity reached")

	// ErrUntracked means Return was called with a connection the pool is
	// not currently lending out.
	ErrUntracked = errors.New("connpool: connection not tracked")

	// ErrNilConn rejects nil handles.
	ErrNilConn = errors.New("connpool: nil connection")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connpool: pool is closed")
)

// Config holds the pool's capacity and staleness policy. All durations are
// evaluated lazily when the maintenance driver runs CleanupExpired and
// RunHealthChecks; there are no internal timers.
type Config struct {
	MaxConnectionsPerTarget int
	MaxTotalConnections     int
	MinIdleConnections      int
	MaxIdleConnections      int
	IdleTimeout             time.Duration
	HealthCheckInterval     time.Duration

	// MaxConnectionReuse retires a connection after this many Acquires.
	// 0 disables reuse-based retirement.
	MaxConnectionReuse int
}

// DefaultConfig mirrors the limits the proxy ships with.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerTarget: 32,
		MaxTotalConnections:     256,
		MinIdleConnections:      2,
		MaxIdleConnections:      64,
		IdleTimeout:             90 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		MaxConnectionReuse:      1000,
	}
}

func (c Config) validate() error {
	if c.MaxTotalConnections <= 0 {
		return errors.New("connpool: MaxTotalConnections must be > 0")
	}
	if c.MaxIdleConnections <= 0 || c.MaxIdleConnections > c.MaxTotalConnections {
		return errors.New("connpool: MaxIdleConnections must be in (0, MaxTotalConnections]")
	}
	if c.MinIdleConnections < 0 || c.MinIdleConnections > c.MaxIdleConnections {
		return errors.New("connpool: MinIdleConnections must be in [0, MaxIdleConnections]")
	}
	if c.MaxConnectionsPerTarget <= 0 {
		return errors.New("connpool: MaxConnectionsPerTarget must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("connpool: IdleTimeout must be > 0")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("connpool: HealthCheckInterval must be > 0")
	}
	if c.MaxConnectionReuse < 0 {
		return errors.New("connpool: MaxConnectionReuse must be >= 0")
	}
	return nil
}
