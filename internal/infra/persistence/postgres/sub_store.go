package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/internal/domain/substore"
)

// SubscriptionStore persists durable subscription read positions.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore constructs a SubscriptionStore backed by the pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const (
	subEnsureSQL = `
INSERT INTO bus_subscriptions (name, event_type, last_seq)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO NOTHING;
`

	subSelectSQL = `
SELECT name, event_type, last_seq, updated_at
FROM bus_subscriptions
WHERE name = $1;
`

	subAckSQL = `
UPDATE bus_subscriptions
SET last_seq = GREATEST(last_seq, $2),
    updated_at = NOW()
WHERE name = $1;
`
)

// Ensure creates the position when the subscription is new and returns the
// stored position either way.
func (s *SubscriptionStore) Ensure(ctx context.Context, name, eventType string, startSeq int64) (substore.Position, error) {
	if s.pool == nil {
		return substore.Position{}, fmt.Errorf("subscription store: nil pool")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return substore.Position{}, fmt.Errorf("subscription store: name required")
	}
	if _, err := engine(ctx, s.pool).Exec(ctx, subEnsureSQL, name, eventType, startSeq); err != nil {
		return substore.Position{}, fmt.Errorf("subscription store: ensure %s: %w", name, err)
	}
	pos, ok, err := s.Get(ctx, name)
	if err != nil {
		return substore.Position{}, err
	}
	if !ok {
		return substore.Position{}, fmt.Errorf("subscription store: ensure %s: position missing after insert", name)
	}
	return pos, nil
}

// Ack advances the position. Acks for sequences at or below the stored
// position are absorbed without moving it backwards.
func (s *SubscriptionStore) Ack(ctx context.Context, name string, seq int64) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, subAckSQL, name, seq)
	if err != nil {
		return fmt.Errorf("subscription store: ack %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription store: ack %s: unknown subscription", name)
	}
	return nil
}

// Get returns the stored position for the named subscription.
func (s *SubscriptionStore) Get(ctx context.Context, name string) (substore.Position, bool, error) {
	if s.pool == nil {
		return substore.Position{}, false, fmt.Errorf("subscription store: nil pool")
	}
	var pos substore.Position
	err := engine(ctx, s.pool).QueryRow(ctx, subSelectSQL, name).Scan(
		&pos.Name,
		&pos.EventType,
		&pos.LastSeq,
		&pos.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return substore.Position{}, false, nil
	}
	if err != nil {
		return substore.Position{}, false, fmt.Errorf("subscription store: get %s: %w", name, err)
	}
	return pos, true, nil
}

var _ substore.Store = (*SubscriptionStore)(nil)
