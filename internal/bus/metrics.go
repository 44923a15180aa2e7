package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/internal/telemetry"
)

type busMetrics struct {
	emitted    metric.Int64Counter
	published  metric.Int64Counter
	delivered  metric.Int64Counter
	duplicates metric.Int64Counter
	failures   metric.Int64Counter
	publishLag metric.Float64Histogram
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("eventbus")
	m := new(busMetrics)
	m.emitted, _ = meter.Int64Counter("eventbus.events.emitted",
		metric.WithDescription("Events written to the outbox"),
		metric.WithUnit("{event}"))
	m.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Outbox rows broadcast by the publisher"),
		metric.WithUnit("{event}"))
	m.delivered, _ = meter.Int64Counter("eventbus.events.delivered",
		metric.WithDescription("Handler invocations that succeeded"),
		metric.WithUnit("{event}"))
	m.duplicates, _ = meter.Int64Counter("eventbus.events.duplicate",
		metric.WithDescription("Deliveries collapsed by the dedup cache"),
		metric.WithUnit("{event}"))
	m.failures, _ = meter.Int64Counter("eventbus.delivery.failures",
		metric.WithDescription("Deliveries that exhausted the retry policy"),
		metric.WithUnit("{event}"))
	m.publishLag, _ = meter.Float64Histogram("outbox.publish.lag",
		metric.WithDescription("Time between outbox enqueue and publication"),
		metric.WithUnit("s"))
	return m
}

func (m *busMetrics) add(ctx context.Context, counter metric.Int64Counter, eventType string) {
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.BusAttributes(telemetry.Environment(), eventType)...))
}

func (m *busMetrics) recordLag(ctx context.Context, eventType string, seconds float64) {
	if seconds < 0 {
		return
	}
	m.publishLag.Record(ctx, seconds, metric.WithAttributes(
		telemetry.BusAttributes(telemetry.Environment(), eventType)...))
}
