package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/substore"
)

// SubscriptionStore keeps durable subscription positions in a map.
type SubscriptionStore struct {
	mu        sync.Mutex
	positions map[string]*substore.Position
}

// NewSubscriptionStore constructs an empty SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{positions: make(map[string]*substore.Position)}
}

// Ensure creates the position when the subscription is new and returns the
// stored position either way.
func (s *SubscriptionStore) Ensure(_ context.Context, name, eventType string, startSeq int64) (substore.Position, error) {
	if name == "" {
		return substore.Position{}, errs.New("substore/memory", errs.CodeInvalid,
			errs.WithMessage("subscription name required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[name]; ok {
		return *pos, nil
	}
	pos := &substore.Position{
		Name:      name,
		EventType: eventType,
		LastSeq:   startSeq,
		UpdatedAt: time.Now().UTC(),
	}
	s.positions[name] = pos
	return *pos, nil
}

// Ack advances the position without ever moving it backwards.
func (s *SubscriptionStore) Ack(_ context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[name]
	if !ok {
		return errs.NotFound("substore/memory", name)
	}
	if seq > pos.LastSeq {
		pos.LastSeq = seq
	}
	pos.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns the stored position, if any.
func (s *SubscriptionStore) Get(_ context.Context, name string) (substore.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[name]
	if !ok {
		return substore.Position{}, false, nil
	}
	return *pos, true, nil
}

var _ substore.Store = (*SubscriptionStore)(nil)
