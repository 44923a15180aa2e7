package memory

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// DeadLetterStore keeps dead-letter entries in insertion order.
type DeadLetterStore struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*dlqstore.Entry
}

// NewDeadLetterStore constructs an empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[string]*dlqstore.Entry)}
}

// Insert records a new dead-letter entry.
func (s *DeadLetterStore) Insert(_ context.Context, entry dlqstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return errs.New("dlqstore/memory", errs.CodeConflict,
			errs.WithMessage("entry already exists"), errs.WithItemID(entry.ItemID))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	stored := entry
	s.entries[entry.ID] = &stored
	s.order = append(s.order, entry.ID)
	return nil
}

// Get returns the entry for the id.
func (s *DeadLetterStore) Get(_ context.Context, id string) (dlqstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return dlqstore.Entry{}, errs.NotFound("dlqstore/memory", id)
	}
	return copyDeadLetterEntry(entry), nil
}

// ListPending returns un-replayed entries, oldest first.
func (s *DeadLetterStore) ListPending(_ context.Context, filter dlqstore.Filter) ([]dlqstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dlqstore.Entry, 0)
	for _, id := range s.order {
		entry := s.entries[id]
		if entry.ReplayedAt != nil {
			continue
		}
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.Reason != "" && entry.ErrorReason != filter.Reason {
			continue
		}
		out = append(out, copyDeadLetterEntry(entry))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkReplayed stamps ReplayedAt once.
func (s *DeadLetterStore) MarkReplayed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false, errs.NotFound("dlqstore/memory", id)
	}
	if entry.ReplayedAt != nil {
		return false, nil
	}
	stamped := at.UTC()
	entry.ReplayedAt = &stamped
	return true, nil
}

func copyDeadLetterEntry(entry *dlqstore.Entry) dlqstore.Entry {
	out := *entry
	out.Payload = append(json.RawMessage(nil), entry.Payload...)
	out.Attempts = append([]work.Attempt(nil), entry.Attempts...)
	if entry.ReplayedAt != nil {
		t := *entry.ReplayedAt
		out.ReplayedAt = &t
	}
	return out
}

var _ dlqstore.Store = (*DeadLetterStore)(nil)
