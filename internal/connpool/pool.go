package connpool

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool tracks reusable backend connections. One mutex guards the membership
// lists and every entry field together: moving an entry between lists and
// updating its refCount must be a single atomic step, so the cross-field
// invariants rule out the finer-grained locking the buffer manager uses.
// Every critical section is short and bounded (a list scan at worst).
type Pool struct {
	mu sync.Mutex

	// cond is reserved for a future blocking-acquire variant. The shipped
	// contract is deliberately non-blocking: an Acquire miss returns
	// ErrNoConn immediately and the caller dials for itself.
	cond *sync.Cond

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	// entries is the slot arena. It only ever grows, up to
	// MaxTotalConnections; Free-list recycling reuses slots instead of
	// releasing them.
	entries []*entry

	active *list.List // of *entry, refCount == 1
	idle   *list.List // of *entry, refCount == 0, available for Acquire
	free   *list.List // of *entry, unbound recyclable slots

	lastHealthCheck time.Time
	closed          bool

	stats counters
}

// Option customizes a Pool at construction.
type Option func(*Pool)

// WithClock substitutes the time source. Tests use this to drive idle-timeout
// and health-check-interval logic deterministically.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New validates cfg and returns an empty pool.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With().Str("component", "connpool").Logger(),
		now:    time.Now,
		active: list.New(),
		idle:   list.New(),
		free:   list.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.logger.Info().
		Int("max_total", cfg.MaxTotalConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Int("min_idle", cfg.MinIdleConnections).
		Dur("idle_timeout", cfg.IdleTimeout).
		Msg("Connection pool initialized")

	return p, nil
}

// Acquire returns an idle connection bound to target, or ErrNoConn when the
// pool has nothing usable. A miss is a normal outcome: the pool never blocks
// and never dials on the caller's behalf.
//
// Candidate selection scans the Idle set for entries matching the target that
// are unfailed and within the idle timeout, then picks the one with the best
// score (see entry.score); the first candidate found wins ties. The returned
// connection is moved to Active with the caller as its single borrower, to be
// handed back via Return.
func (p *Pool) Acquire(target Target) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	now := p.now()
	var best *entry
	bestScore := 0.0

	for el := p.idle.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.target != target || e.refCount != 0 {
			continue
		}
		if e.health == HealthFailed {
			continue
		}
		if now.Sub(e.lastUsedAt) >= p.cfg.IdleTimeout {
			continue
		}
		if s := e.score(); s > bestScore {
			best = e
			bestScore = s
		}
	}

	if best == nil {
		p.stats.cacheMisses++
		return nil, ErrNoConn
	}

	p.idle.Remove(best.elem)
	best.elem = p.active.PushBack(best)
	best.refCount = 1
	best.lastUsedAt = now
	best.reuseCount++

	p.stats.cacheHits++
	p.stats.totalAcquired++

	return best.handle, nil
}

// Release donates a live, healthy connection the pool is not yet tracking.
// On success the pool takes one reference on the handle and parks the
// connection in Idle for future Acquires. On any failure (nil handle, closed
// pool, capacity) nothing is mutated and the caller keeps full ownership;
// its fallback is simply to close the connection itself.
func (p *Pool) Release(h Handle, target Target) error {
	if h == nil {
		return ErrNilConn
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	// A full idle set gets one chance to shed expired entries before the
	// admission is refused.
	if p.idle.Len() >= p.cfg.MaxIdleConnections {
		p.cleanupExpiredLocked()
		if p.idle.Len() >= p.cfg.MaxIdleConnections {
			return ErrCapacity
		}
	}

	if p.targetCountLocked(target) >= p.cfg.MaxConnectionsPerTarget {
		return ErrCapacity
	}

	e, err := p.takeSlotLocked()
	if err != nil {
		return err
	}

	e.bind(h, target, p.now())
	h.IncRef()
	e.elem = p.idle.PushBack(e)

	p.stats.totalReleased++
	p.stats.connsCreated++

	return nil
}

// Return hands back a connection previously obtained from Acquire, moving it
// Active to Idle. When the connection is not in Active (pooling was bypassed for
// this session, or the caller is confused) the pool degrades gracefully: it
// drops the caller's reference directly and reports ErrUntracked.
func (p *Pool) Return(h Handle) error {
	if h == nil {
		return ErrNilConn
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for el := p.active.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.handle != h {
			continue
		}
		p.active.Remove(e.elem)
		e.elem = p.idle.PushBack(e)
		e.refCount = 0
		e.lastUsedAt = p.now()
		p.stats.totalReturned++
		return nil
	}

	h.DecRef()
	return ErrUntracked
}

// CleanupExpired evicts idle entries that are past the idle timeout, marked
// Failed, or retired by the reuse cap, but never below MinIdleConnections,
// even when everything qualifies. Keeping a warm minimum is deliberate: the
// first requests after a quiet period should still hit the pool. Returns the
// number of connections evicted.
func (p *Pool) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.cleanupExpiredLocked()
}

func (p *Pool) cleanupExpiredLocked() int {
	now := p.now()
	evicted := 0

	el := p.idle.Front()
	for el != nil && p.idle.Len() > p.cfg.MinIdleConnections {
		e := el.Value.(*entry)
		el = el.Next()

		expired := now.Sub(e.lastUsedAt) >= p.cfg.IdleTimeout
		retired := p.cfg.MaxConnectionReuse > 0 && e.reuseCount >= p.cfg.MaxConnectionReuse
		if !expired && !retired && e.health != HealthFailed {
			continue
		}

		p.evictLocked(e)
		evicted++
	}

	if evicted > 0 {
		p.logger.Debug().
			Int("evicted", evicted).
			Int("idle_remaining", p.idle.Len()).
			Msg("Expired connections evicted")
	}
	return evicted
}

// evictLocked moves an idle entry to the Free list and drops the pool's
// reference on its handle. The reference is released exactly once: unbind
// clears the handle so a second eviction of the same slot is impossible.
func (p *Pool) evictLocked(e *entry) {
	p.idle.Remove(e.elem)
	h := e.handle
	e.unbind()
	e.elem = p.free.PushBack(e)
	p.stats.connsClosed++
	h.DecRef()
}

// RunHealthChecks inspects the error flags of every tracked connection and
// updates health statuses. Calls are rate-limited to the configured interval;
// a premature call is a no-op. This is a passive check (no probe traffic is
// generated), so it is cheap enough to run over Active entries too.
//
// Policy: a single observed error flag trips the status to Failed, and
// consecutiveFailures accumulates across checks until a clean check resets
// the status to Healthy and the counter to zero. Failed does not evict by
// itself; CleanupExpired treats it as eviction-eligible regardless of age.
func (p *Pool) RunHealthChecks() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	now := p.now()
	if !p.lastHealthCheck.IsZero() && now.Sub(p.lastHealthCheck) < p.cfg.HealthCheckInterval {
		return 0
	}
	p.lastHealthCheck = now

	checked := 0
	failed := 0
	for _, l := range []*list.List{p.active, p.idle} {
		for el := l.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			checked++
			e.lastCheckedAt = now
			if e.handle.Failed() {
				e.health = HealthFailed
				e.errorCount++
				e.consecutiveFailures++
				failed++
			} else {
				e.health = HealthHealthy
				e.consecutiveFailures = 0
			}
		}
	}

	p.stats.healthChecks += uint64(checked)
	p.stats.healthCheckFailures += uint64(failed)

	if failed > 0 {
		p.logger.Warn().
			Int("checked", checked).
			Int("failed", failed).
			Msg("Health check found failed connections")
	}
	return failed
}

// Close evicts every tracked connection, releasing the pool's reference on
// each exactly once, and rejects all further operations.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, l := range []*list.List{p.active, p.idle} {
		el := l.Front()
		for el != nil {
			e := el.Value.(*entry)
			el = el.Next()
			l.Remove(e.elem)
			h := e.handle
			e.unbind()
			e.elem = p.free.PushBack(e)
			p.stats.connsClosed++
			h.DecRef()
		}
	}

	p.logger.Info().Msg("Connection pool closed")
}

// takeSlotLocked recycles a Free slot when one exists, otherwise grows the
// arena while under the total cap.
func (p *Pool) takeSlotLocked() (*entry, error) {
	if el := p.free.Front(); el != nil {
		e := el.Value.(*entry)
		p.free.Remove(el)
		e.elem = nil
		return e, nil
	}
	if len(p.entries) >= p.cfg.MaxTotalConnections {
		return nil, ErrCapacity
	}
	e := &entry{slot: len(p.entries)}
	p.entries = append(p.entries, e)
	return e, nil
}

func (p *Pool) targetCountLocked(target Target) int {
	n := 0
	for _, l := range []*list.List{p.active, p.idle} {
		for el := l.Front(); el != nil; el = el.Next() {
			if el.Value.(*entry).target == target {
				n++
			}
		}
	}
	return n
}
