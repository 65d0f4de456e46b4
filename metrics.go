package shmbridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "gosuda.org/shmbridge"

// bridgeMetrics are the OpenTelemetry instruments of one bridge. They are
// no-ops unless the host installs a meter provider.
type bridgeMetrics struct {
	attrs    metric.MeasurementOption
	batches  metric.Int64Counter
	failed   metric.Int64Counter
	messages metric.Int64Counter
	duration metric.Float64Histogram
}

func newBridgeMetrics(meter metric.Meter, instance string) (*bridgeMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &bridgeMetrics{
		attrs: metric.WithAttributes(attribute.String("instance", instance)),
	}
	var err error
	if m.batches, err = meter.Int64Counter("shmbridge.batches",
		metric.WithDescription("Request batches executed")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("shmbridge.items.failed",
		metric.WithDescription("Requests answered with an error")); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter("shmbridge.messages",
		metric.WithDescription("Messages received from the engine")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("shmbridge.execute.duration",
		metric.WithDescription("Model execute latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) message(ctx context.Context, kind string) {
	m.messages.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *bridgeMetrics) executed(ctx context.Context, d time.Duration, failed bool) {
	m.batches.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.Bool("failed", failed)))
	m.duration.Record(ctx, d.Seconds(), m.attrs)
}

func (m *bridgeMetrics) itemFailed(ctx context.Context, class string) {
	m.failed.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("class", class)))
}
