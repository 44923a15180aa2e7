// Package dlqstore defines persistence contracts for permanently failed work.
package dlqstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// Entry is the durable record of a work item that failed terminally or
// exhausted its retry budget. Entries are an audit trail: replay never
// mutates the attempt history.
type Entry struct {
	ID          string
	ItemID      string
	TenantID    string
	ItemType    string
	Priority    work.Priority
	Payload     json.RawMessage
	DedupeKey   string
	ErrorReason errs.Code
	Attempts    []work.Attempt
	CreatedAt   time.Time
	ReplayedAt  *time.Time
}

// Filter narrows ListPending results.
type Filter struct {
	TenantID string
	Reason   errs.Code
	Limit    int
}

// Store abstracts dead-letter persistence.
type Store interface {
	// Insert records a new dead-letter entry.
	Insert(ctx context.Context, entry Entry) error
	// Get returns the entry for the id.
	Get(ctx context.Context, id string) (Entry, error)
	// ListPending returns entries whose ReplayedAt is still null, oldest first.
	ListPending(ctx context.Context, filter Filter) ([]Entry, error)
	// MarkReplayed stamps ReplayedAt once. It reports false when the entry was
	// already replayed, so automatic policy can never replay an entry twice.
	MarkReplayed(ctx context.Context, id string, at time.Time) (bool, error)
}
