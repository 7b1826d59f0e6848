// Package telemetry bundles logging, metrics and tracing setup for keel.
package telemetry

import (
	"fmt"
	"time"
)

// Config holds the telemetry settings for one process.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	Logging LoggingConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level (trace, debug, info, warn, error).
	Level string

	// Format is "console" or "json".
	Format string

	// EnableCaller adds file:line to every event.
	EnableCaller bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns collection on. A disabled Metrics drops samples.
	Enabled bool

	// ListenAddr, when set, serves /metrics on this address.
	ListenAddr string

	// Namespace prefixes every metric name.
	Namespace string
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string

	// Insecure disables TLS on the exporter connection.
	Insecure bool

	// SamplingRate is the trace sampling ratio, 0.0 to 1.0.
	SamplingRate float64

	// ExportTimeout bounds a single export batch.
	ExportTimeout time.Duration
}

// DefaultConfig returns a config suitable for CLI use.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "keel",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Namespace: "keel",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unsupported trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp trace exporter requires an endpoint")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}
	return nil
}
