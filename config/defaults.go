package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "signalkit",
			Version:     "dev",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Signal: SignalConfig{
			LogLevel:  "info",
			Debounce:  250 * time.Millisecond,
			IDLength:  12,
			EmitRate:  0,
			EmitBurst: 1,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "signalkit",
			Path:      "/metrics",
			Port:      9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
