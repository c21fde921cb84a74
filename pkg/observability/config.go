package observability

import "fmt"

// MetricsConfig configures the Prometheus metrics registry Metrics
// wraps. It is deliberately the only config type here beyond
// TracerConfig (tracer.go) — there is no OTLP/Jaeger/Zipkin exporter
// selection, since no component in this kernel's scope is an
// operator-facing collector endpoint to point one at.
type MetricsConfig struct {
	// Enabled turns on metrics collection.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the path the HTTP front-end mounts Handler() on.
	// Default: "/metrics"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace prefixes all metric names, e.g. "kiwid_thread_spawned_total".
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = DefaultServiceName
	}
}

// Validate checks MetricsConfig for errors.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when metrics are enabled")
	}
	return nil
}
