// Package config provides configuration management for signalkit.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for signalkit.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Signal is the dispatch/consume configuration.
	Signal SignalConfig `mapstructure:"signal"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// SignalConfig holds signal lifecycle settings.
type SignalConfig struct {
	// LogLevel is the minimum level of lifecycle records.
	LogLevel string `mapstructure:"log_level" validate:"signal_log_level"`

	// Debounce is the delay between a consumer claiming a signal and running its handler.
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`

	// IDLength is the number of characters in generated signal IDs.
	IDLength int `mapstructure:"id_length" validate:"min=8,max=32"`

	// EmitRate caps emits per second from a payload stream. Zero disables pacing.
	EmitRate float64 `mapstructure:"emit_rate" validate:"gte=0"`

	// EmitBurst is the number of emits allowed at once when EmitRate is set.
	EmitBurst int `mapstructure:"emit_burst" validate:"gte=0"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Namespace prefixes metric names.
	Namespace string `mapstructure:"namespace"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path" validate:"startswith=/"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	// Enabled enables tracing export.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the exporter kind.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`

	// Timeout bounds each export call.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// Sampler selects the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces sampled by the ratio sampler.
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a summary of the configuration without sensitive data.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, SignalLogLevel: %s, Debounce: %s}",
		c.App.Name, c.App.Environment, c.Signal.LogLevel, c.Signal.Debounce)
}
