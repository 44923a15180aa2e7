// Package substore defines persistence contracts for durable subscriptions.
package substore

import (
	"context"
	"time"
)

// Position records how far a named durable subscription has read the event
// log. LastSeq is the highest acknowledged outbox sequence.
type Position struct {
	Name      string
	EventType string
	LastSeq   int64
	UpdatedAt time.Time
}

// Store abstracts subscription position persistence. Ack is a single-row
// update that only moves the position forward.
type Store interface {
	// Ensure creates the position at the current log head offset when the
	// subscription is new, otherwise returns the stored position.
	Ensure(ctx context.Context, name, eventType string, startSeq int64) (Position, error)
	// Ack advances LastSeq. Positions never move backwards.
	Ack(ctx context.Context, name string, seq int64) error
	// Get returns the stored position, if any.
	Get(ctx context.Context, name string) (Position, bool, error)
}
