// Package postgres implements the durable stores over pgx.
package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories for the dispatch core.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// WorkItems returns the work item repository.
func (s *Store) WorkItems() *WorkStore { return NewWorkStore(s.Pool()) }

// Outbox returns the outbox repository.
func (s *Store) Outbox() *OutboxStore { return NewOutboxStore(s.Pool()) }

// DeadLetters returns the dead-letter repository.
func (s *Store) DeadLetters() *DeadLetterStore { return NewDeadLetterStore(s.Pool()) }

// DedupClaims returns the durable dedup tier.
func (s *Store) DedupClaims() *DedupStore { return NewDedupStore(s.Pool()) }

// Subscriptions returns the durable subscription position repository.
func (s *Store) Subscriptions() *SubscriptionStore { return NewSubscriptionStore(s.Pool()) }

type txKey struct{}

// ContextWithTx carries a caller transaction so outbox writes participate in
// the same transaction as the business mutation that produced the event.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext extracts a carried transaction, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// engine resolves the execution target for a statement: the transaction
// carried in ctx when present, otherwise the pool.
func engine(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}
