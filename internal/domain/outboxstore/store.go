// Package outboxstore defines persistence contracts for durable event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status tracks the publication state of an outbox row. A row moves
// pending -> published or pending -> failed, never both.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Event encapsulates a single outbox entry ready to be enqueued. The row is
// written in the same transaction as the business mutation that produced it,
// so a rolled-back transaction leaves no outbox row behind.
type Event struct {
	EventID       string
	TenantID      string
	EventType     string
	AggregateID   string
	CorrelationID string
	CausationID   string
	Payload       json.RawMessage
	AvailableAt   time.Time
}

// Record captures the persisted state of an outbox entry. Seq is assigned at
// insert and identifies the row; PubSeq is assigned when the row is marked
// published and orders the log that durable subscriptions and replay consume.
// Insert order and publish order differ whenever a transaction commits after
// a later-inserted row has already been published, which is why positions are
// never tracked against Seq.
type Record struct {
	Seq         int64
	PubSeq      int64
	Event       Event
	Status      Status
	Attempts    int
	LastError   string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox. Rows are retained
// after publication: the table doubles as the durable event log that replay
// and durable subscriptions read from.
type Store interface {
	// Enqueue inserts a new event. Implementations join a caller transaction
	// carried in ctx when one is present.
	Enqueue(ctx context.Context, evt Event) (Record, error)
	// ListPending returns undelivered events that are ready to publish,
	// in log order.
	ListPending(ctx context.Context, limit int) ([]Record, error)
	// MarkPublished flags a stored event as successfully broadcast and
	// assigns its publish position.
	MarkPublished(ctx context.Context, seq int64) error
	// MarkAttemptFailed records a failed publish attempt and schedules the
	// next one. The row stays pending.
	MarkAttemptFailed(ctx context.Context, seq int64, lastError string, retryAt time.Time) error
	// MarkFailed terminally fails the row after repeated broadcast failure.
	MarkFailed(ctx context.Context, seq int64, lastError string) error
	// ListPublished reads published rows after a publish position, in publish
	// order. A slow-committing row is never skipped: it only enters this view
	// once the publisher reaches it, at a position past every earlier read.
	ListPublished(ctx context.Context, sincePub int64, until time.Time, limit int) ([]Record, error)
	// ListRange reads the raw log by insert sequence and optional time
	// window, regardless of publication status. Inspection only; consumers
	// track positions against ListPublished.
	ListRange(ctx context.Context, sinceSeq int64, until time.Time, limit int) ([]Record, error)
	// Head returns the highest assigned publish position, zero when nothing
	// has been published. New durable subscriptions start reading from here.
	Head(ctx context.Context) (int64, error)
}
