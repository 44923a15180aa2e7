package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

func errString(err error) string {
	return string(errs.CodeOf(err))
}

// metrics bundles the dispatcher instruments. Instrument creation errors are
// ignored; the otel SDK returns usable no-op instruments on failure.
type metrics struct {
	submitted    metric.Int64Counter
	completed    metric.Int64Counter
	deadLettered metric.Int64Counter
	retried      metric.Int64Counter
	duration     metric.Float64Histogram
	mailboxWait  metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("dispatcher")
	m := new(metrics)
	m.submitted, _ = meter.Int64Counter("dispatcher.items.submitted",
		metric.WithDescription("Work items accepted for dispatch"),
		metric.WithUnit("{item}"))
	m.completed, _ = meter.Int64Counter("dispatcher.items.finished",
		metric.WithDescription("Work items reaching a terminal status"),
		metric.WithUnit("{item}"))
	m.deadLettered, _ = meter.Int64Counter("dispatcher.items.dead_lettered",
		metric.WithDescription("Work items moved to the dead letter queue"),
		metric.WithUnit("{item}"))
	m.retried, _ = meter.Int64Counter("dispatcher.attempts.failed",
		metric.WithDescription("Failed handler attempts observed by the retry policy"),
		metric.WithUnit("{attempt}"))
	m.duration, _ = meter.Float64Histogram("dispatcher.processing.duration",
		metric.WithDescription("Handler execution time including retries"),
		metric.WithUnit("s"))
	m.mailboxWait, _ = meter.Float64Histogram("mailbox.wait.duration",
		metric.WithDescription("Time a work item spent queued before pickup"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) recordSubmitted(ctx context.Context, item work.Item, result string) {
	attrs := telemetry.DispatchAttributes(telemetry.Environment(),
		item.TenantID, item.Type, string(item.Priority))
	attrs = append(attrs, telemetry.AttrResult.String(result))
	m.submitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordOutcome(ctx context.Context, item work.Item, result string, elapsed time.Duration) {
	attrs := telemetry.OutcomeAttributes(telemetry.Environment(),
		item.TenantID, item.Type, result)
	m.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordDeadLetter(ctx context.Context, item work.Item, reason string) {
	attrs := telemetry.DispatchAttributes(telemetry.Environment(),
		item.TenantID, item.Type, string(item.Priority))
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordRetry(ctx context.Context, item work.Item, err error) {
	attrs := telemetry.DispatchAttributes(telemetry.Environment(),
		item.TenantID, item.Type, string(item.Priority))
	attrs = append(attrs, telemetry.AttrErrorType.String(errString(err)))
	m.retried.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordWait(ctx context.Context, item work.Item, partition attribute.KeyValue, waited time.Duration) {
	if waited < 0 {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(),
		item.TenantID, item.Type, string(item.Priority))
	attrs = append(attrs, partition)
	m.mailboxWait.Record(ctx, waited.Seconds(), metric.WithAttributes(attrs...))
}
