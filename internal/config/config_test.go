package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"UPSTREAM_API_KEY", "UPSTREAM_BASE_URL", "REDIS_URL",
		"BATCH_WINDOW_SECS", "BATCH_POLL_INTERVAL_SECS", "TCP_KEEPALIVE_SECS",
		"MAX_BATCH_SIZE", "HANDLER_MAX_LIFETIME_SECS", "BIND_HOST", "BIND_PORT",
		"AUDIT_DATABASE_URL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresUpstreamAPIKey(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when UPSTREAM_API_KEY is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "sk-test")
	defer os.Unsetenv("UPSTREAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchWindow.Seconds() != 60 {
		t.Errorf("expected default BatchWindow=60s, got %v", cfg.BatchWindow)
	}
	if cfg.BatchPollInterval.Seconds() != 60 {
		t.Errorf("expected default BatchPollInterval=60s, got %v", cfg.BatchPollInterval)
	}
	if cfg.MaxBatchSize != 50000 {
		t.Errorf("expected default MaxBatchSize=50000, got %d", cfg.MaxBatchSize)
	}
	if cfg.BindPort != 8090 {
		t.Errorf("expected default BindPort=8090, got %d", cfg.BindPort)
	}
}

func TestLoad_RejectsInvalidInteger(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "sk-test")
	os.Setenv("BATCH_WINDOW_SECS", "not-a-number")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer BATCH_WINDOW_SECS")
	}
}

func TestLoad_RejectsNonPositive(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "sk-test")
	os.Setenv("BATCH_POLL_INTERVAL_SECS", "0")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-positive BATCH_POLL_INTERVAL_SECS")
	}
}
