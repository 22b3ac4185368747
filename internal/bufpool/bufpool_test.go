package bufpool

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}, wantErr: false},
		{name: "custom ascending", cfg: Config{BucketSizes: []int{512, 1024, 4096}}, wantErr: false},
		{name: "zero size", cfg: Config{BucketSizes: []int{0, 1024}}, wantErr: true},
		{name: "negative size", cfg: Config{BucketSizes: []int{-1}}, wantErr: true},
		{name: "not ascending", cfg: Config{BucketSizes: []int{4096, 1024}}, wantErr: true},
		{name: "duplicate size", cfg: Config{BucketSizes: []int{1024, 1024}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllocateInvalidSize(t *testing.T) {
	m := newTestManager(t, Config{})

	_, err := m.Allocate(0)
	assert.Error(t, err)

	_, err = m.Allocate(-5)
	assert.Error(t, err)

	s := m.Stats()
	assert.Zero(t, s.TotalAllocatedBytes, "rejected allocations must not touch counters")
}

func TestBucketBoundaryInclusive(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024, 4096}})

	// Exactly on the boundary lands in that bucket, not the next one up.
	buf, err := m.Allocate(1024)
	require.NoError(t, err)
	assert.Len(t, buf, 1024)

	buf2, err := m.Allocate(1025)
	require.NoError(t, err)
	assert.Len(t, buf2, 4096)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Buckets[0].Allocated)
	assert.Equal(t, uint64(1), s.Buckets[1].Allocated)
}

// Scenario: a released buffer is reused by the next allocation of the same
// class instead of a fresh allocation.
func TestReuseAfterRelease(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024, 4096}})

	buf, err := m.Allocate(500)
	require.NoError(t, err)
	require.Len(t, buf, 1024, "pooled buffers come back at canonical length")

	m.Release(buf, 500)

	s := m.Stats()
	require.Equal(t, 1, s.Buckets[0].FreeCount)
	require.Equal(t, uint64(1), s.Buckets[0].Deallocated)

	buf2, err := m.Allocate(500)
	require.NoError(t, err)
	assert.Len(t, buf2, 1024)

	s = m.Stats()
	assert.Equal(t, uint64(1), s.Buckets[0].Reused)
	assert.Equal(t, uint64(1), s.Buckets[0].Allocated, "no second system allocation")
}

func TestReleaseIgnoresInvalidArgs(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024}})

	m.Release(nil, 1024)
	m.Release(make([]byte, 1024), 0)
	m.Release(make([]byte, 1024), -1)

	s := m.Stats()
	assert.Zero(t, s.Buckets[0].FreeCount)
	assert.Zero(t, s.TotalFreedBytes)
}

func TestReleaseBeyondCapacityFreesToSystem(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024}, BucketCapacity: 2})

	bufs := make([][]byte, 3)
	for i := range bufs {
		var err error
		bufs[i], err = m.Allocate(1024)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3*1024), m.Stats().TotalAllocatedBytes)

	for _, b := range bufs {
		m.Release(b, 1024)
	}

	s := m.Stats()
	assert.Equal(t, 2, s.Buckets[0].FreeCount, "free list is bounded by capacity")
	assert.Equal(t, int64(2*1024), s.TotalAllocatedBytes)
	assert.Equal(t, int64(1024), s.TotalFreedBytes)
}

func TestOversizeBypassCountsInAggregates(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024, 4096}})

	buf, err := m.Allocate(10_000)
	require.NoError(t, err)
	assert.Len(t, buf, 10_000, "oversize allocations are exact, not canonical")

	s := m.Stats()
	assert.Equal(t, int64(10_000), s.TotalAllocatedBytes)
	assert.Equal(t, int64(10_000), s.PeakUsageBytes)
	for _, b := range s.Buckets {
		assert.Zero(t, b.Allocated, "oversize path must not touch buckets")
	}

	m.Release(buf, 10_000)
	s = m.Stats()
	assert.Zero(t, s.TotalAllocatedBytes)
	assert.Equal(t, int64(10_000), s.TotalFreedBytes)
	assert.Equal(t, int64(10_000), s.PeakUsageBytes, "peak survives the free")
}

func TestPeakIsMonotonicUntilReset(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024}, BucketCapacity: 1})

	a, err := m.Allocate(1024)
	require.NoError(t, err)
	b, err := m.Allocate(1024)
	require.NoError(t, err)

	peak := m.Stats().PeakUsageBytes
	require.Equal(t, int64(2048), peak)

	m.Release(a, 1024) // parked
	m.Release(b, 1024) // bucket full, freed to system

	s := m.Stats()
	assert.GreaterOrEqual(t, s.TotalAllocatedBytes, int64(0))
	assert.Equal(t, peak, s.PeakUsageBytes)

	m.ResetPeak()
	assert.Equal(t, int64(1024), m.Stats().PeakUsageBytes)
}

func TestWarmupPrePopulatesHalfCapacity(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024, 4096}, BucketCapacity: 8})

	m.Warmup()

	s := m.Stats()
	for _, b := range s.Buckets {
		assert.Equal(t, 4, b.FreeCount)
		assert.Equal(t, uint64(4), b.Allocated)
	}
	assert.Equal(t, int64(4*1024+4*4096), s.TotalAllocatedBytes)

	// A warmed bucket serves its first allocation from the free list.
	_, err := m.Allocate(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Stats().Buckets[0].Reused)
}

func TestCleanupDropsParkedBuffers(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024}, BucketCapacity: 8})
	m.Warmup()

	before := m.Stats()
	require.Equal(t, 4, before.Buckets[0].FreeCount)

	m.Cleanup()

	s := m.Stats()
	assert.Zero(t, s.Buckets[0].FreeCount)
	assert.Zero(t, s.TotalAllocatedBytes)
	assert.Equal(t, int64(4*1024), s.TotalFreedBytes)
}

// Aggregate accounting must stay consistent under concurrent allocate/release
// churn across classes, and total bytes must never go negative.
func TestConcurrentChurn(t *testing.T) {
	m := newTestManager(t, Config{BucketSizes: []int{1024, 4096, 16384}, BucketCapacity: 16})

	var wg sync.WaitGroup
	sizes := []int{100, 1024, 3000, 9000, 20000}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				size := sizes[(g+i)%len(sizes)]
				buf, err := m.Allocate(size)
				if err != nil {
					t.Error(err)
					return
				}
				m.Release(buf, size)
			}
		}(g)
	}
	wg.Wait()

	s := m.Stats()
	assert.GreaterOrEqual(t, s.TotalAllocatedBytes, int64(0))
	assert.GreaterOrEqual(t, s.PeakUsageBytes, s.TotalAllocatedBytes)
	for _, b := range s.Buckets {
		assert.LessOrEqual(t, b.FreeCount, b.Capacity)
	}
}
