// Package observe provides structured logging and OpenTelemetry metrics
// for the ingestion pipeline.
//
// The Logger is a minimal JSON structured logger written to stderr. It is
// constructed once at startup and passed explicitly to every component;
// there is no package-level logger.
//
// Metrics cover the pipeline's throughput surface: records persisted,
// exchange requests by resource and outcome, WebSocket messages, batch
// flushes, and circuit breaker rejections. The meter provider is backed by
// a prometheus or stdout exporter, or disabled entirely:
//
//	obs, err := observe.New(observe.Config{
//	    ServiceName: "futuresfeed",
//	    Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
//	    Logging:     observe.LoggingConfig{Level: "info"},
//	})
package observe
