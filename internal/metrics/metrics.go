// Package metrics exposes the proxy's Prometheus surface.
//
// The pool and buffer manager keep their own counters under their own locks;
// this package periodically mirrors snapshot values into Prometheus
// collectors rather than instrumenting the hot paths directly, so scraping
// never contends with I/O.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/QuadDarv1ne/MTProxy-sub003/internal/bufpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/connpool"
)

var (
	// Connection pool metrics. Cumulative values are mirrored from pool
	// snapshots, so they live in gauges; the names stay off the _total
	// suffix Prometheus reserves for counters.
	poolAcquires = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_acquires",
		Help: "Total successful pool acquires",
	})

	poolReleases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_releases",
		Help: "Total connections donated to the pool",
	})

	poolReturns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_returns",
		Help: "Total borrowed connections handed back",
	})

	poolHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_cache_hits",
		Help: "Acquire calls served from the idle set",
	})

	poolMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_cache_misses",
		Help: "Acquire calls that found no reusable connection",
	})

	poolConnsCreated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_connections_created",
		Help: "Connections admitted into the pool",
	})

	poolConnsClosed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_connections_closed",
		Help: "Pooled connections evicted or closed",
	})

	poolHealthChecks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_health_checks",
		Help: "Per-connection health checks performed",
	})

	poolHealthCheckFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_health_check_failures",
		Help: "Health checks that observed a failed connection",
	})

	poolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_active_connections",
		Help: "Connections currently borrowed",
	})

	poolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_idle_connections",
		Help: "Connections parked and available for reuse",
	})

	poolUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_pool_utilization",
		Help: "Active over tracked connections (0-1)",
	})

	// Buffer manager metrics
	bufAllocatedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_buffer_allocated_bytes",
		Help: "Bytes currently alive in the buffer manager (in use + pooled)",
	})

	bufFreedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_buffer_freed_bytes",
		Help: "Cumulative bytes returned to the runtime",
	})

	bufPeakBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_buffer_peak_bytes",
		Help: "High-water mark of live buffer bytes",
	})

	bufBucketReuses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtp_buffer_bucket_reuses",
		Help: "Allocations served from a bucket free list, by canonical size",
	}, []string{"size"})

	bufBucketAllocs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtp_buffer_bucket_allocations",
		Help: "Fresh buffer allocations, by canonical size",
	}, []string{"size"})

	bufBucketFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtp_buffer_bucket_free_buffers",
		Help: "Buffers currently parked per bucket, by canonical size",
	}, []string{"size"})

	// Relay metrics
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_sessions_active",
		Help: "Client sessions currently relaying",
	})

	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mtp_sessions_total",
		Help: "Total client sessions accepted",
	})

	sessionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mtp_sessions_rejected_total",
		Help: "Client sessions rejected by the accept limiter or session cap",
	})

	bytesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mtp_bytes_relayed_total",
		Help: "Total bytes copied between clients and backends",
	})

	// System metrics (fed by internal/monitoring)
	systemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_system_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	systemHeapBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_system_heap_alloc_bytes",
		Help: "Go heap bytes currently allocated",
	})

	systemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mtp_system_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		poolAcquires, poolReleases, poolReturns,
		poolHits, poolMisses,
		poolConnsCreated, poolConnsClosed,
		poolHealthChecks, poolHealthCheckFailures,
		poolActive, poolIdle, poolUtilization,
		bufAllocatedBytes, bufFreedBytes, bufPeakBytes,
		bufBucketReuses, bufBucketAllocs, bufBucketFree,
		sessionsActive, sessionsTotal, sessionsRejected, bytesRelayed,
		systemCPUPercent, systemHeapBytes, systemGoroutines,
	)
}

// Publish mirrors pool and buffer snapshots into the Prometheus collectors.
// Called from the maintenance loop at a fixed cadence.
func Publish(ps connpool.Stats, bs bufpool.Stats) {
	poolAcquires.Set(float64(ps.TotalAcquired))
	poolReleases.Set(float64(ps.TotalReleased))
	poolReturns.Set(float64(ps.TotalReturned))
	poolHits.Set(float64(ps.CacheHits))
	poolMisses.Set(float64(ps.CacheMisses))
	poolConnsCreated.Set(float64(ps.ConnectionsCreated))
	poolConnsClosed.Set(float64(ps.ConnectionsClosed))
	poolHealthChecks.Set(float64(ps.HealthChecks))
	poolHealthCheckFailures.Set(float64(ps.HealthCheckFailures))
	poolActive.Set(float64(ps.ActiveCount))
	poolIdle.Set(float64(ps.IdleCount))
	poolUtilization.Set(ps.Utilization)

	bufAllocatedBytes.Set(float64(bs.TotalAllocatedBytes))
	bufFreedBytes.Set(float64(bs.TotalFreedBytes))
	bufPeakBytes.Set(float64(bs.PeakUsageBytes))
	for _, b := range bs.Buckets {
		size := strconv.Itoa(b.Size)
		bufBucketReuses.WithLabelValues(size).Set(float64(b.Reused))
		bufBucketAllocs.WithLabelValues(size).Set(float64(b.Allocated))
		bufBucketFree.WithLabelValues(size).Set(float64(b.FreeCount))
	}
}

// SessionStarted / SessionEnded / SessionRejected / AddBytesRelayed are the
// relay's direct instrumentation points.
func SessionStarted() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

func SessionEnded() {
	sessionsActive.Dec()
}

func SessionRejected() {
	sessionsRejected.Inc()
}

func AddBytesRelayed(n int64) {
	bytesRelayed.Add(float64(n))
}

// PublishSystem mirrors a system monitor sample into the Prometheus surface.
func PublishSystem(cpuPercent float64, heapAllocBytes uint64, goroutines int) {
	systemCPUPercent.Set(cpuPercent)
	systemHeapBytes.Set(float64(heapAllocBytes))
	systemGoroutines.Set(float64(goroutines))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
