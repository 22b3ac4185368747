// Package config loads proxy configuration from environment variables, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all proxy configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener / backend
	Addr        string `env:"MTP_ADDR" envDefault:":3128"`
	BackendAddr string `env:"MTP_BACKEND_ADDR" envDefault:"127.0.0.1:8888"`
	MetricsAddr string `env:"MTP_METRICS_ADDR" envDefault:":3129"`

	// Session limits
	MaxSessions int           `env:"MTP_MAX_SESSIONS" envDefault:"4096"`
	AcceptRate  int           `env:"MTP_ACCEPT_RATE" envDefault:"500"` // accepts/sec
	AcceptBurst int           `env:"MTP_ACCEPT_BURST" envDefault:"100"`
	DialTimeout time.Duration `env:"MTP_DIAL_TIMEOUT" envDefault:"5s"`

	// Connection pool
	PoolMaxPerTarget int           `env:"MTP_POOL_MAX_PER_TARGET" envDefault:"32"`
	PoolMaxTotal     int           `env:"MTP_POOL_MAX_TOTAL" envDefault:"256"`
	PoolMinIdle      int           `env:"MTP_POOL_MIN_IDLE" envDefault:"2"`
	PoolMaxIdle      int           `env:"MTP_POOL_MAX_IDLE" envDefault:"64"`
	PoolIdleTimeout  time.Duration `env:"MTP_POOL_IDLE_TIMEOUT" envDefault:"90s"`
	PoolMaxReuse     int           `env:"MTP_POOL_MAX_REUSE" envDefault:"1000"`

	// Maintenance cadence: one external ticker drives both expired-idle
	// cleanup and health checks.
	HealthCheckInterval time.Duration `env:"MTP_HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// Buffer manager
	BufferBucketCapacity int  `env:"MTP_BUFFER_BUCKET_CAPACITY" envDefault:"64"`
	BufferWarmup         bool `env:"MTP_BUFFER_WARMUP" envDefault:"true"`

	// Monitoring
	MonitorInterval time.Duration `env:"MTP_MONITOR_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Fine without one; production supplies real env vars.
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("MTP_ADDR is required")
	}
	if c.BackendAddr == "" {
		return fmt.Errorf("MTP_BACKEND_ADDR is required")
	}

	if c.MaxSessions < 1 {
		return fmt.Errorf("MTP_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.AcceptRate < 1 {
		return fmt.Errorf("MTP_ACCEPT_RATE must be > 0, got %d", c.AcceptRate)
	}
	if c.AcceptBurst < 1 {
		return fmt.Errorf("MTP_ACCEPT_BURST must be > 0, got %d", c.AcceptBurst)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("MTP_DIAL_TIMEOUT must be > 0, got %s", c.DialTimeout)
	}

	if c.PoolMaxPerTarget < 1 {
		return fmt.Errorf("MTP_POOL_MAX_PER_TARGET must be > 0, got %d", c.PoolMaxPerTarget)
	}
	if c.PoolMaxTotal < 1 {
		return fmt.Errorf("MTP_POOL_MAX_TOTAL must be > 0, got %d", c.PoolMaxTotal)
	}
	if c.PoolMaxIdle < 1 || c.PoolMaxIdle > c.PoolMaxTotal {
		return fmt.Errorf("MTP_POOL_MAX_IDLE must be in 1..%d, got %d", c.PoolMaxTotal, c.PoolMaxIdle)
	}
	if c.PoolMinIdle < 0 || c.PoolMinIdle > c.PoolMaxIdle {
		return fmt.Errorf("MTP_POOL_MIN_IDLE must be in 0..%d, got %d", c.PoolMaxIdle, c.PoolMinIdle)
	}
	if c.PoolIdleTimeout <= 0 {
		return fmt.Errorf("MTP_POOL_IDLE_TIMEOUT must be > 0, got %s", c.PoolIdleTimeout)
	}
	if c.PoolMaxReuse < 1 {
		return fmt.Errorf("MTP_POOL_MAX_REUSE must be > 0, got %d", c.PoolMaxReuse)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("MTP_HEALTH_CHECK_INTERVAL must be > 0, got %s", c.HealthCheckInterval)
	}
	if c.BufferBucketCapacity < 1 {
		return fmt.Errorf("MTP_BUFFER_BUCKET_CAPACITY must be > 0, got %d", c.BufferBucketCapacity)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MTP_MONITOR_INTERVAL must be > 0, got %s", c.MonitorInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("backend_addr", c.BackendAddr).
		Str("metrics_addr", c.MetricsAddr).
		Int("max_sessions", c.MaxSessions).
		Int("accept_rate", c.AcceptRate).
		Int("pool_max_total", c.PoolMaxTotal).
		Int("pool_max_idle", c.PoolMaxIdle).
		Int("pool_min_idle", c.PoolMinIdle).
		Dur("pool_idle_timeout", c.PoolIdleTimeout).
		Dur("health_check_interval", c.HealthCheckInterval).
		Int("buffer_bucket_capacity", c.BufferBucketCapacity).
		Bool("buffer_warmup", c.BufferWarmup).
		Dur("monitor_interval", c.MonitorInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Proxy configuration loaded")
}
