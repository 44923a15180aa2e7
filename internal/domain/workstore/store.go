// Package workstore defines persistence contracts for work item state.
package workstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// Record captures the persisted state of a work item.
type Record struct {
	Item      work.Item
	Status    work.Status
	Attempts  int
	History   []work.Transition
	Result    json.RawMessage
	UpdatedAt time.Time
}

// View projects a record into the caller-visible status shape.
func (r Record) View() work.ItemStatus {
	return work.ItemStatus{
		ID:       r.Item.ID,
		TenantID: r.Item.TenantID,
		Type:     r.Item.Type,
		Status:   r.Status,
		Attempts: r.Attempts,
		History:  r.History,
		Result:   r.Result,
	}
}

// Store abstracts work item persistence. Every mutation is a single-row
// operation; status changes are compare-and-swap on the current status so two
// owners can never both win a transition.
type Store interface {
	// Insert records a freshly submitted item with status queued.
	Insert(ctx context.Context, item work.Item) error
	// Get returns the record for the id.
	Get(ctx context.Context, id string) (Record, error)
	// Transition atomically moves the item from one status to another,
	// appending a history entry. It reports false when the item is not
	// currently in the from status.
	Transition(ctx context.Context, id string, from, to work.Status, note string) (bool, error)
	// RecordResult stores the completion payload.
	RecordResult(ctx context.Context, id string, result json.RawMessage) error
	// RecordAttempt appends a failed attempt and returns the new attempt count.
	RecordAttempt(ctx context.Context, id string, attempt work.Attempt) (int, error)
	// ListRecoverable returns items left queued or processing, oldest first.
	// Used after a crash to re-deliver undelivered work at least once.
	ListRecoverable(ctx context.Context, limit int) ([]Record, error)
}
