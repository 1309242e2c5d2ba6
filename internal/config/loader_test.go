package config

import (
	"os"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_VAR", "hello")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-filters-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
filter:
  injection:
    enabled: true
    block_threshold: 0.85
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg := DefaultExtendedConfig()
	if err := LoadFile(tmpFile.Name(), cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Filter.Injection.BlockThreshold != 0.85 {
		t.Errorf("expected block_threshold 0.85, got %v", cfg.Filter.Injection.BlockThreshold)
	}
	if !cfg.Filter.Injection.Enabled {
		t.Errorf("expected injection filter enabled")
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	os.Setenv("TEST_METRICS_PORT", "7777")
	defer os.Unsetenv("TEST_METRICS_PORT")

	tmpFile, err := os.CreateTemp("", "test-telemetry-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
telemetry:
  otlp_endpoint: "${TEST_OTLP:localhost:4317}"
  metrics_port: ${TEST_METRICS_PORT}
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg := DefaultExtendedConfig()
	if err := LoadFile(tmpFile.Name(), cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("expected otlp endpoint localhost:4317 (default), got %s", cfg.Telemetry.OTLPEndpoint)
	}
	if cfg.Telemetry.MetricsPort != 7777 {
		t.Errorf("expected metrics_port 7777, got %d", cfg.Telemetry.MetricsPort)
	}
}
