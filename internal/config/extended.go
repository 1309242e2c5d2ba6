package config

import "time"

// ExtendedConfig carries the ambient operational knobs that sit outside the
// batching contract proper: admission filter tuning and telemetry export.
// Unlike Config, this is loaded from a hot-reloadable YAML file, mirroring
// the teacher's config/loader.go pattern.
type ExtendedConfig struct {
	Filter    FilterConfig    `yaml:"filter"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type FilterConfig struct {
	Secrets   SecretsFilterConfig   `yaml:"secrets"`
	Injection InjectionFilterConfig `yaml:"injection"`
	Policy    PolicyFilterConfig    `yaml:"policy"`
}

type SecretsFilterConfig struct {
	Enabled bool `yaml:"enabled"`
}

type InjectionFilterConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BlockThreshold float64 `yaml:"block_threshold"`
	FlagThreshold  float64 `yaml:"flag_threshold"`
}

type PolicyFilterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type TelemetryConfig struct {
	MetricsPort     int     `yaml:"metrics_port"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// DefaultExtendedConfig returns the ambient defaults used when no YAML file
// is present — silt should run with sane behavior out of the box.
func DefaultExtendedConfig() *ExtendedConfig {
	return &ExtendedConfig{
		Filter: FilterConfig{
			Secrets: SecretsFilterConfig{Enabled: true},
			Injection: InjectionFilterConfig{
				Enabled:        true,
				BlockThreshold: 0.9,
				FlagThreshold:  0.7,
			},
			Policy: PolicyFilterConfig{
				Enabled:           false,
				EvaluationTimeout: 100 * time.Millisecond,
			},
		},
		Telemetry: TelemetryConfig{
			MetricsPort:     9090,
			TraceSampleRate: 0.1,
		},
	}
}
