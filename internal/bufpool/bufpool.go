// Package bufpool implements a size-classed buffer manager for the proxy's
// read/write paths.
//
// Every byte relayed through the proxy passes through a buffer obtained here,
// so the goal is O(1) reuse and bounded growth per size class instead of
// hitting the allocator on every read. Buffers live in fixed canonical size
// classes (buckets); a request is served from the smallest bucket whose
// canonical size fits it, trading a little internal fragmentation for
// allocator-call avoidance on the hot path.
//
// Requests larger than the largest bucket bypass pooling entirely and go
// straight to the runtime allocator, but still participate in the aggregate
// byte accounting so peak usage reflects true process-wide consumption.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBucketSizes is the canonical size-class table: 1KiB through 128KiB.
// Must be ascending. 4KiB and 16KiB dominate in practice (TCP read chunks and
// coalesced writes); the tail classes exist for large media frames.
var DefaultBucketSizes = []int{
	1 << 10,   // 1KiB
	2 << 10,   // 2KiB
	4 << 10,   // 4KiB
	8 << 10,   // 8KiB
	16 << 10,  // 16KiB
	32 << 10,  // 32KiB
	64 << 10,  // 64KiB
	128 << 10, // 128KiB
}

// DefaultBucketCapacity bounds each bucket's free list. 64 buffers in the
// largest class is 8MiB retained worst case, which is cheap next to the
// connection buffers themselves.
const DefaultBucketCapacity = 64

// Config controls bucket layout and retention.
type Config struct {
	// BucketSizes is the ascending canonical size table. Defaults to
	// DefaultBucketSizes when empty.
	BucketSizes []int

	// BucketCapacity is the max free buffers retained per bucket.
	// Defaults to DefaultBucketCapacity when <= 0.
	BucketCapacity int
}

// bucket is one size class: a bounded LIFO free list of canonical-size
// buffers plus its own counters, under its own mutex so classes don't
// contend with each other.
type bucket struct {
	mu   sync.Mutex
	size int      // canonical buffer size for this class
	free [][]byte // LIFO; most recently released first (cache-warm)
	cap  int

	allocated   uint64 // fresh buffers created for this class
	deallocated uint64 // buffers parked back on the free list
	reused      uint64 // allocations served from the free list
}

// Manager is the process-wide buffer manager. Construct once at startup with
// New, tear down with Cleanup. Safe for concurrent use from any number of
// I/O goroutines.
type Manager struct {
	buckets []*bucket
	logger  zerolog.Logger

	// Aggregate byte accounting across all buckets plus the oversize
	// bypass path. Guarded separately from the bucket locks; held only
	// for counter updates.
	aggMu          sync.Mutex
	totalAllocated int64 // bytes currently alive (in use + parked)
	totalFreed     int64 // cumulative bytes returned to the runtime
	peakUsage      int64 // high-water mark of totalAllocated
}

// New builds a Manager with empty buckets. Call Warmup afterwards to
// pre-populate free lists if first-request latency matters.
func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	sizes := cfg.BucketSizes
	if len(sizes) == 0 {
		sizes = DefaultBucketSizes
	}
	capacity := cfg.BucketCapacity
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}

	for i, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("bucket size must be positive, got %d", s)
		}
		if i > 0 && s <= sizes[i-1] {
			return nil, fmt.Errorf("bucket sizes must be strictly ascending, got %d after %d", s, sizes[i-1])
		}
	}

	m := &Manager{
		buckets: make([]*bucket, 0, len(sizes)),
		logger:  logger.With().Str("component", "bufpool").Logger(),
	}
	for _, s := range sizes {
		m.buckets = append(m.buckets, &bucket{
			size: s,
			free: make([][]byte, 0, capacity),
			cap:  capacity,
		})
	}

	m.logger.Info().
		Int("buckets", len(sizes)).
		Int("bucket_capacity", capacity).
		Int("min_size", sizes[0]).
		Int("max_size", sizes[len(sizes)-1]).
		Msg("Buffer manager initialized")

	return m, nil
}

// bucketFor returns the smallest bucket whose canonical size fits size, or
// nil when size exceeds the largest class (oversize bypass). Boundary is
// inclusive: a request of exactly a canonical size lands in that bucket.
func (m *Manager) bucketFor(size int) *bucket {
	for _, b := range m.buckets {
		if size <= b.size {
			return b
		}
	}
	return nil
}

// Allocate returns a buffer of at least size bytes. Pooled allocations come
// back at the full canonical length of their bucket; oversize allocations are
// exactly size bytes. size <= 0 is a caller contract violation and returns an
// error without touching any state.
//
// Ownership transfers fully to the caller; hand the buffer back with Release
// using the same size argument and do not retain it afterwards.
func (m *Manager) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate: invalid size %d", size)
	}

	b := m.bucketFor(size)
	if b == nil {
		// Oversize: no pooling, but the bytes still count toward the
		// process-wide picture.
		buf := make([]byte, size)
		m.addUsage(int64(size))
		return buf, nil
	}

	b.mu.Lock()
	if n := len(b.free); n > 0 {
		buf := b.free[n-1]
		b.free[n-1] = nil
		b.free = b.free[:n-1]
		b.reused++
		b.mu.Unlock()
		return buf, nil
	}
	b.mu.Unlock()

	// Free list was empty; create a fresh canonical buffer outside the
	// bucket lock so a slow allocation never stalls other callers of the
	// same class.
	buf := make([]byte, b.size)

	b.mu.Lock()
	b.allocated++
	b.mu.Unlock()

	m.addUsage(int64(b.size))
	return buf, nil
}

// Release hands a buffer back to the manager. size must be the same value
// passed to the Allocate that produced it; it is how the buffer finds its
// bucket again. nil buffers and non-positive sizes are ignored.
//
// The buffer is parked on its bucket's free list when there is room,
// otherwise dropped to the runtime. Buffers are never shrunk or zeroed here;
// they are reissued at full canonical capacity.
func (m *Manager) Release(buf []byte, size int) {
	if buf == nil || size <= 0 {
		return
	}

	b := m.bucketFor(size)
	if b == nil {
		m.subUsage(int64(size))
		return
	}

	b.mu.Lock()
	if len(b.free) < b.cap {
		b.free = append(b.free, buf[:b.size])
		b.deallocated++
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	// Bucket full: let the runtime have it back.
	m.subUsage(int64(b.size))
}

// Warmup pre-populates every bucket with up to half its capacity of fresh
// buffers so the first burst of connections doesn't pay allocation latency.
func (m *Manager) Warmup() {
	var total int
	for _, b := range m.buckets {
		target := b.cap / 2
		var added int64
		b.mu.Lock()
		for len(b.free) < target {
			b.free = append(b.free, make([]byte, b.size))
			b.allocated++
			added += int64(b.size)
			total++
		}
		b.mu.Unlock()
		if added > 0 {
			m.addUsage(added)
		}
	}
	m.logger.Info().Int("buffers", total).Msg("Buffer pools warmed up")
}

// Cleanup drops every parked buffer in every bucket. Call once at shutdown;
// the manager remains usable afterwards (buckets just start empty again),
// which keeps late in-flight Releases harmless.
func (m *Manager) Cleanup() {
	var released int64
	for _, b := range m.buckets {
		b.mu.Lock()
		released += int64(len(b.free)) * int64(b.size)
		b.free = b.free[:0]
		b.mu.Unlock()
	}
	if released > 0 {
		m.subUsage(released)
	}
	m.logger.Info().Int64("bytes_released", released).Msg("Buffer manager cleaned up")
}

// ResetPeak sets the high-water mark to the current live total. Exposed for
// operators that sample peak usage per reporting window.
func (m *Manager) ResetPeak() {
	m.aggMu.Lock()
	m.peakUsage = m.totalAllocated
	m.aggMu.Unlock()
}

func (m *Manager) addUsage(n int64) {
	m.aggMu.Lock()
	m.totalAllocated += n
	if m.totalAllocated > m.peakUsage {
		m.peakUsage = m.totalAllocated
	}
	m.aggMu.Unlock()
}

func (m *Manager) subUsage(n int64) {
	m.aggMu.Lock()
	m.totalAllocated -= n
	m.totalFreed += n
	m.aggMu.Unlock()
}
