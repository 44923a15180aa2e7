package work

import (
	"context"
	"time"
)

// ProgressEvent reports intermediate state from a long-running handler.
type ProgressEvent struct {
	ItemID  string    `json:"itemId"`
	Stage   string    `json:"stage"`
	Percent float64   `json:"percent"`
	At      time.Time `json:"at"`
}

// Reporter receives progress events emitted by a handler.
type Reporter func(ProgressEvent)

type reporterKey struct{}

// ContextWithReporter attaches a progress reporter for the handler invocation.
func ContextWithReporter(ctx context.Context, fn Reporter) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, reporterKey{}, fn)
}

// Report publishes a progress event when a reporter is attached; otherwise it
// is a no-op so handlers can report unconditionally.
func Report(ctx context.Context, itemID, stage string, percent float64) {
	fn, ok := ctx.Value(reporterKey{}).(Reporter)
	if !ok || fn == nil {
		return
	}
	fn(ProgressEvent{ItemID: itemID, Stage: stage, Percent: percent, At: time.Now().UTC()})
}
