package connpool

// counters are the pool's cumulative stats, mutated only under the pool
// mutex.
type counters struct {
	totalAcquired       uint64
	totalReleased       uint64
	totalReturned       uint64
	connsCreated        uint64
	connsClosed         uint64
	cacheHits           uint64
	cacheMisses         uint64
	healthChecks        uint64
	healthCheckFailures uint64
}

// Stats is a consistent point-in-time snapshot of the pool, taken under the
// pool mutex.
type Stats struct {
	TotalAcquired       uint64  `json:"total_acquired"`
	TotalReleased       uint64  `json:"total_released"`
	TotalReturned       uint64  `json:"total_returned"`
	ConnectionsCreated  uint64  `json:"connections_created"`
	ConnectionsClosed   uint64  `json:"connections_closed"`
	CacheHits           uint64  `json:"cache_hits"`
	CacheMisses         uint64  `json:"cache_misses"`
	HealthChecks        uint64  `json:"health_checks"`
	HealthCheckFailures uint64  `json:"health_check_failures"`
	ActiveCount         int     `json:"active_count"`
	IdleCount           int     `json:"idle_count"`
	FreeCount           int     `json:"free_count"`
	TotalCount          int     `json:"total_count"`
	Utilization         float64 `json:"utilization"`
}

// Stats returns a snapshot of the pool's counters and current membership
// counts. Utilization is active over tracked (active+idle) connections.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalAcquired:       p.stats.totalAcquired,
		TotalReleased:       p.stats.totalReleased,
		TotalReturned:       p.stats.totalReturned,
		ConnectionsCreated:  p.stats.connsCreated,
		ConnectionsClosed:   p.stats.connsClosed,
		CacheHits:           p.stats.cacheHits,
		CacheMisses:         p.stats.cacheMisses,
		HealthChecks:        p.stats.healthChecks,
		HealthCheckFailures: p.stats.healthCheckFailures,
		ActiveCount:         p.active.Len(),
		IdleCount:           p.idle.Len(),
		FreeCount:           p.free.Len(),
	}
	s.TotalCount = s.ActiveCount + s.IdleCount
	if s.TotalCount > 0 {
		s.Utilization = float64(s.ActiveCount) / float64(s.TotalCount)
	}
	return s
}
