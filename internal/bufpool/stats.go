package bufpool

// BucketStats is a point-in-time snapshot of one size class.
type BucketStats struct {
	Size        int    `json:"size"`
	FreeCount   int    `json:"free_count"`
	Capacity    int    `json:"capacity"`
	Allocated   uint64 `json:"allocated"`
	Deallocated uint64 `json:"deallocated"`
	Reused      uint64 `json:"reused"`
}

// Stats is a point-in-time snapshot of the whole manager. Bucket counters and
// the aggregate byte counters are sampled under their respective locks, so
// each number is individually consistent; the snapshot as a whole is not a
// single atomic cut (concurrent traffic may land between samples).
type Stats struct {
	Buckets             []BucketStats `json:"buckets"`
	TotalAllocatedBytes int64         `json:"total_allocated_bytes"`
	TotalFreedBytes     int64         `json:"total_freed_bytes"`
	PeakUsageBytes      int64         `json:"peak_usage_bytes"`
}

// Stats returns a snapshot of all counters.
func (m *Manager) Stats() Stats {
	s := Stats{Buckets: make([]BucketStats, 0, len(m.buckets))}
	for _, b := range m.buckets {
		b.mu.Lock()
		s.Buckets = append(s.Buckets, BucketStats{
			Size:        b.size,
			FreeCount:   len(b.free),
			Capacity:    b.cap,
			Allocated:   b.allocated,
			Deallocated: b.deallocated,
			Reused:      b.reused,
		})
		b.mu.Unlock()
	}

	m.aggMu.Lock()
	s.TotalAllocatedBytes = m.totalAllocated
	s.TotalFreedBytes = m.totalFreed
	s.PeakUsageBytes = m.peakUsage
	m.aggMu.Unlock()

	return s
}
