package connpool

import (
	"container/list"
	"time"
)

// entry is one pool slot. Slots live in a fixed arena (Pool.entries) and are
// recycled through the Free list rather than freed, so a slot index is stable
// for the life of the pool. elem is the entry's element in whichever
// membership list currently owns it; splicing an entry between lists is
// remove+push on elem under the pool mutex, never a copy of the entry.
type entry struct {
	slot   int
	handle Handle
	target Target

	createdAt     time.Time
	lastUsedAt    time.Time
	lastCheckedAt time.Time

	refCount   int // 0 or 1; re-entrant multi-borrow is not supported
	reuseCount int

	health              HealthStatus
	errorCount          int
	consecutiveFailures int

	// streamCount is reserved for multiplexed transports that share one
	// connection across logical streams. Always 0 today.
	streamCount int

	elem *list.Element
}

// score ranks idle candidates during Acquire: prefer less-reused connections
// and heavily penalize error-prone ones (one recorded error weighs as much as
// ten reuses).
func (e *entry) score() float64 {
	return 1.0 / float64(1+e.reuseCount+e.errorCount*10)
}

// bind initializes a recycled (or fresh) slot for a newly admitted
// connection. Health starts over: whatever history the slot carried belonged
// to a different physical connection.
func (e *entry) bind(h Handle, target Target, now time.Time) {
	e.handle = h
	e.target = target
	e.createdAt = now
	e.lastUsedAt = now
	e.lastCheckedAt = time.Time{}
	e.refCount = 0
	e.reuseCount = 0
	e.health = HealthHealthy
	e.errorCount = 0
	e.consecutiveFailures = 0
	e.streamCount = 0
}

// unbind clears the slot before it goes back on the Free list. Health drops
// to Unknown so a stale status can never leak into the next binding.
func (e *entry) unbind() {
	e.handle = nil
	e.target = ""
	e.refCount = 0
	e.health = HealthUnknown
}
