package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records ingestion pipeline measurements.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly; never block the hot path.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordsWritten counts rows persisted for a table/symbol pair.
	RecordsWritten(ctx context.Context, table, symbol string, n int64)

	// ExchangeRequest records one REST call with its duration and outcome.
	ExchangeRequest(ctx context.Context, resource string, duration time.Duration, err error)

	// StreamMessage counts one incoming WebSocket message by kind.
	StreamMessage(ctx context.Context, kind string)

	// BatchFlush records a streaming buffer flush with its size.
	BatchFlush(ctx context.Context, kind string, size int64)

	// BreakerRejection counts a call rejected by an open circuit.
	BreakerRejection(ctx context.Context, endpoint string)
}

type metricsImpl struct {
	records      metric.Int64Counter
	requests     metric.Int64Counter
	requestTime  metric.Float64Histogram
	wsMessages   metric.Int64Counter
	flushes      metric.Int64Counter
	flushSize    metric.Int64Counter
	rejections   metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	records, err := meter.Int64Counter(
		"ingest.records.written",
		metric.WithDescription("Rows persisted to the storage driver"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter(
		"exchange.requests.total",
		metric.WithDescription("Exchange REST requests by resource and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestTime, err := meter.Float64Histogram(
		"exchange.request.duration_ms",
		metric.WithDescription("Exchange REST request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	wsMessages, err := meter.Int64Counter(
		"stream.messages.total",
		metric.WithDescription("Incoming WebSocket messages by kind"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"stream.flushes.total",
		metric.WithDescription("Streaming batch flushes by kind"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return nil, err
	}

	flushSize, err := meter.Int64Counter(
		"stream.flush.rows",
		metric.WithDescription("Rows flushed from streaming buffers"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"breaker.rejections.total",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		records:     records,
		requests:    requests,
		requestTime: requestTime,
		wsMessages:  wsMessages,
		flushes:     flushes,
		flushSize:   flushSize,
		rejections:  rejections,
	}, nil
}

func (m *metricsImpl) RecordsWritten(ctx context.Context, table, symbol string, n int64) {
	m.records.Add(ctx, n, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("symbol", symbol),
	))
}

func (m *metricsImpl) ExchangeRequest(ctx context.Context, resource string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opt := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, opt)
	m.requestTime.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) StreamMessage(ctx context.Context, kind string) {
	m.wsMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metricsImpl) BatchFlush(ctx context.Context, kind string, size int64) {
	opt := metric.WithAttributes(attribute.String("kind", kind))
	m.flushes.Add(ctx, 1, opt)
	m.flushSize.Add(ctx, size, opt)
}

func (m *metricsImpl) BreakerRejection(ctx context.Context, endpoint string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// noopMetrics discards all measurements.
type noopMetrics struct{}

func (noopMetrics) RecordsWritten(context.Context, string, string, int64)              {}
func (noopMetrics) ExchangeRequest(context.Context, string, time.Duration, error)      {}
func (noopMetrics) StreamMessage(context.Context, string)                              {}
func (noopMetrics) BatchFlush(context.Context, string, int64)                          {}
func (noopMetrics) BreakerRejection(context.Context, string)                           {}

// NopMetrics returns a Metrics implementation that does nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}
