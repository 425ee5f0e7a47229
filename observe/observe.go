package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config holds configuration for the Observer.
type Config struct {
	ServiceName string
	Version     string
	Metrics     MetricsConfig
	Logging     LoggingConfig
}

// MetricsConfig configures the metrics subsystem.
type MetricsConfig struct {
	Enabled  bool
	Exporter string // prometheus|stdout|none
}

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	Level string // debug|info|warn|error
}

var validMetricsExporters = map[string]bool{
	"prometheus": true,
	"stdout":     true,
	"none":       true,
	"":           true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("observe: service name is required")
	}
	if !validMetricsExporters[c.Metrics.Exporter] {
		return fmt.Errorf("observe: unknown metrics exporter %q", c.Metrics.Exporter)
	}
	return nil
}

// Observer bundles the logger and metrics for the process.
type Observer struct {
	Logger  Logger
	Metrics Metrics

	meterProvider *sdkmetric.MeterProvider
	promRegistry  *prometheus.Registry
}

// New creates an Observer from config.
func New(cfg Config) (*Observer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Observer{
		Logger:  NewLogger(cfg.Logging.Level),
		Metrics: NopMetrics(),
	}

	if !cfg.Metrics.Enabled || cfg.Metrics.Exporter == "none" || cfg.Metrics.Exporter == "" {
		return o, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.Metrics.Exporter {
	case "prometheus":
		o.promRegistry = prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(o.promRegistry))
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	}

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	m, err := newMetrics(o.meterProvider.Meter(cfg.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	o.Metrics = m

	return o, nil
}

// NewNop returns an Observer that logs nothing and records nothing.
// Intended for tests.
func NewNop() *Observer {
	return &Observer{Logger: NopLogger(), Metrics: NopMetrics()}
}

// MetricsHandler returns an HTTP handler serving the prometheus scrape
// endpoint, or nil when the prometheus exporter is not active.
func (o *Observer) MetricsHandler() http.Handler {
	if o.promRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(o.promRegistry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (o *Observer) Shutdown(ctx context.Context) error {
	if o.meterProvider == nil {
		return nil
	}
	return o.meterProvider.Shutdown(ctx)
}
