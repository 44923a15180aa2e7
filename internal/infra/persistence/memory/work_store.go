package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/domain/workstore"
)

// WorkStore keeps work item records in a map guarded by one mutex.
type WorkStore struct {
	mu      sync.Mutex
	records map[string]*workstore.Record
}

// NewWorkStore constructs an empty WorkStore.
func NewWorkStore() *WorkStore {
	return &WorkStore{records: make(map[string]*workstore.Record)}
}

// Insert records a freshly submitted item with status queued.
func (s *WorkStore) Insert(_ context.Context, item work.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[item.ID]; ok {
		return errs.New("workstore/memory", errs.CodeConflict,
			errs.WithMessage("item already exists"), errs.WithItemID(item.ID))
	}
	now := time.Now().UTC()
	s.records[item.ID] = &workstore.Record{
		Item:      item,
		Status:    work.StatusQueued,
		History:   []work.Transition{{Status: work.StatusQueued, At: now, Note: "submitted"}},
		UpdatedAt: now,
	}
	return nil
}

// Get returns a copy of the record for the id.
func (s *WorkStore) Get(_ context.Context, id string) (workstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return workstore.Record{}, errs.NotFound("workstore/memory", id)
	}
	return copyRecord(rec), nil
}

// Transition atomically moves the item between statuses when the current
// status matches from.
func (s *WorkStore) Transition(_ context.Context, id string, from, to work.Status, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, errs.NotFound("workstore/memory", id)
	}
	if rec.Status != from {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = to
	rec.History = append(rec.History, work.Transition{Status: to, At: now, Note: note})
	rec.UpdatedAt = now
	return true, nil
}

// RecordResult stores the completion payload.
func (s *WorkStore) RecordResult(_ context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errs.NotFound("workstore/memory", id)
	}
	rec.Result = append(json.RawMessage(nil), result...)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAttempt counts a failed attempt and returns the new attempt count.
func (s *WorkStore) RecordAttempt(_ context.Context, id string, _ work.Attempt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, errs.NotFound("workstore/memory", id)
	}
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	return rec.Attempts, nil
}

// ListRecoverable returns items left queued or processing, oldest first.
func (s *WorkStore) ListRecoverable(_ context.Context, limit int) ([]workstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workstore.Record, 0)
	for _, rec := range s.records {
		if rec.Status == work.StatusQueued || rec.Status == work.StatusProcessing {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.ID < out[j].Item.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(rec *workstore.Record) workstore.Record {
	out := *rec
	out.History = append([]work.Transition(nil), rec.History...)
	out.Result = append(json.RawMessage(nil), rec.Result...)
	return out
}

var _ workstore.Store = (*WorkStore)(nil)
