// Package monitoring samples process resource usage at a fixed cadence.
//
// Observation only: nothing here feeds back into pool sizing or admission.
package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/QuadDarv1ne/MTProxy-sub003/internal/metrics"
)

// Monitor periodically samples CPU, memory and goroutine counts, logs them,
// and mirrors them into the Prometheus surface.
type Monitor struct {
	logger   zerolog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a monitor that samples every interval.
func New(interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger:   logger.With().Str("component", "sysmon").Logger(),
		interval: interval,
	}
}

// Start launches the sampling loop. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sample() {
	// Non-blocking CPU sample: percentage since the previous call.
	cpuPct := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()

	metrics.PublishSystem(cpuPct, ms.HeapAlloc, goroutines)

	m.logger.Debug().
		Float64("cpu_percent", cpuPct).
		Uint64("heap_alloc_bytes", ms.HeapAlloc).
		Uint64("heap_sys_bytes", ms.HeapSys).
		Int("goroutines", goroutines).
		Msg("System sample")
}
