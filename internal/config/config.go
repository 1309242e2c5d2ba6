// Package config loads silt's configuration: the batching core strictly from
// environment variables, and the ambient filter/telemetry
// knobs from a hot-reloadable YAML file in the teacher's loader style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the environment-driven core configuration. Every field maps
// directly to one of the documented env vars — there is no
// config-file equivalent for these; the batching contract is env-vars-only.
type Config struct {
	UpstreamAPIKey  string
	UpstreamBaseURL string
	RedisURL        string

	BatchWindow        time.Duration
	BatchPollInterval  time.Duration
	MaxBatchSize       int
	HandlerMaxLifetime time.Duration

	BindHost     string
	BindPort     int
	TCPKeepAlive time.Duration

	AuditDatabaseURL string // optional; empty disables the audit log
}

// Load reads Config from the process environment, applying the documented
// defaults and failing on any invalid (non-positive, non-integer) value.
func Load() (*Config, error) {
	cfg := &Config{
		UpstreamAPIKey:   os.Getenv("UPSTREAM_API_KEY"),
		UpstreamBaseURL:  envOrDefault("UPSTREAM_BASE_URL", "https://api.openai.com"),
		RedisURL:         envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		BindHost:         envOrDefault("BIND_HOST", "0.0.0.0"),
		AuditDatabaseURL: os.Getenv("AUDIT_DATABASE_URL"),
	}

	if cfg.UpstreamAPIKey == "" {
		return nil, fmt.Errorf("UPSTREAM_API_KEY is required")
	}

	windowSecs, err := positiveIntEnv("BATCH_WINDOW_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.BatchWindow = time.Duration(windowSecs) * time.Second

	pollSecs, err := positiveIntEnv("BATCH_POLL_INTERVAL_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.BatchPollInterval = time.Duration(pollSecs) * time.Second

	keepaliveSecs, err := positiveIntEnv("TCP_KEEPALIVE_SECS", 60)
	if err != nil {
		return nil, err
	}
	cfg.TCPKeepAlive = time.Duration(keepaliveSecs) * time.Second

	maxBatchSize, err := positiveIntEnv("MAX_BATCH_SIZE", 50000)
	if err != nil {
		return nil, err
	}
	cfg.MaxBatchSize = maxBatchSize

	lifetimeSecs, err := positiveIntEnv("HANDLER_MAX_LIFETIME_SECS", 86400)
	if err != nil {
		return nil, err
	}
	cfg.HandlerMaxLifetime = time.Duration(lifetimeSecs) * time.Second

	port, err := positiveIntEnv("BIND_PORT", 8090)
	if err != nil {
		return nil, err
	}
	cfg.BindPort = port

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positiveIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, v)
	}
	return v, nil
}
