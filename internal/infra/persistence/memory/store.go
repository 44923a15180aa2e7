// Package memory provides in-process implementations of every persistence
// contract. They back single-node deployments and tests; semantics mirror the
// postgres implementations, including transactional outbox staging.
package memory

import (
	"context"
	"sync"
)

// Store aggregates the in-memory repositories behind one handle, mirroring the
// postgres store surface.
type Store struct {
	work   *WorkStore
	outbox *OutboxStore
	dlq    *DeadLetterStore
	dedup  *DedupStore
	subs   *SubscriptionStore
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		work:   NewWorkStore(),
		outbox: NewOutboxStore(),
		dlq:    NewDeadLetterStore(),
		dedup:  NewDedupStore(),
		subs:   NewSubscriptionStore(),
	}
}

// WorkItems exposes the work item repository.
func (s *Store) WorkItems() *WorkStore { return s.work }

// Outbox exposes the transactional outbox repository.
func (s *Store) Outbox() *OutboxStore { return s.outbox }

// DeadLetters exposes the dead-letter repository.
func (s *Store) DeadLetters() *DeadLetterStore { return s.dlq }

// DedupClaims exposes the idempotency claim repository.
func (s *Store) DedupClaims() *DedupStore { return s.dedup }

// Subscriptions exposes the durable subscription position repository.
func (s *Store) Subscriptions() *SubscriptionStore { return s.subs }

type txKey struct{}

// Tx stages writes so they become visible only on Commit. A rolled-back Tx
// leaves no trace, which is what gives the outbox its all-or-nothing coupling
// with the business mutation.
type Tx struct {
	mu     sync.Mutex
	stages []func()
	done   bool
}

// Begin opens a staging transaction and returns a context carrying it.
func Begin(ctx context.Context) (context.Context, *Tx) {
	tx := &Tx{}
	return context.WithValue(ctx, txKey{}, tx), tx
}

// TxFromContext extracts the staging transaction, if any.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

func (t *Tx) stage(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.stages = append(t.stages, fn)
}

// Commit applies every staged write in order.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for _, fn := range t.stages {
		fn()
	}
	t.stages = nil
	return nil
}

// Rollback discards every staged write.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.stages = nil
	return nil
}
