package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/QuadDarv1ne/MTProxy-sub003/internal/bufpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/config"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/connpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/logging"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/metrics"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/monitoring"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/relay"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// Config failed before the structured logger exists; a bare
		// logger on defaults is the best we can do.
		logger := logging.New("info", "json")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	// automaxprocs already adjusted GOMAXPROCS for container CPU limits.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	buffers, err := bufpool.New(bufpool.Config{
		BucketCapacity: cfg.BufferBucketCapacity,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build buffer manager")
	}
	if cfg.BufferWarmup {
		buffers.Warmup()
	}

	pool, err := connpool.New(connpool.Config{
		MaxConnectionsPerTarget: cfg.PoolMaxPerTarget,
		MaxTotalConnections:     cfg.PoolMaxTotal,
		MinIdleConnections:      cfg.PoolMinIdle,
		MaxIdleConnections:      cfg.PoolMaxIdle,
		IdleTimeout:             cfg.PoolIdleTimeout,
		HealthCheckInterval:     cfg.HealthCheckInterval,
		MaxConnectionReuse:      cfg.PoolMaxReuse,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build connection pool")
	}

	r := relay.New(relay.Config{
		BackendAddr: cfg.BackendAddr,
		MaxSessions: cfg.MaxSessions,
		AcceptRate:  cfg.AcceptRate,
		AcceptBurst: cfg.AcceptBurst,
		DialTimeout: cfg.DialTimeout,
	}, pool, buffers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics endpoint.
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// System monitor.
	sysmon := monitoring.New(cfg.MonitorInterval, logger)
	sysmon.Start(ctx)

	// Maintenance driver: the pool schedules nothing itself, so one ticker
	// drives cleanup, health checks and metrics publication.
	go func() {
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.CleanupExpired()
				pool.RunHealthChecks()
				metrics.Publish(pool.Stats(), buffers.Stats())
			}
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Failed to listen")
	}
	logger.Info().
		Str("addr", cfg.Addr).
		Str("backend", cfg.BackendAddr).
		Msg("Proxy listening")

	go func() {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		_ = ln.Close()
	}()

	if err := r.Serve(ctx, ln); err != nil {
		logger.Error().Err(err).Msg("Relay serve failed")
	}

	// Drain order matters: sessions first, then the pool's references,
	// then the parked buffers.
	sysmon.Stop()
	pool.Close()
	buffers.Cleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
}
