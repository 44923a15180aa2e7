package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
)

// OutboxStore keeps the event log as an ordered slice. Enqueue joins a
// staging transaction carried in ctx so rolled-back writes never surface.
// Publish positions are assigned under the store lock in MarkPublished call
// order, so the published view never reorders behind a consumer's position.
type OutboxStore struct {
	mu        sync.Mutex
	nextSeq   int64
	nextPub   int64
	rows      []*outboxstore.Record
	published []*outboxstore.Record
	bySeq     map[int64]*outboxstore.Record
}

// NewOutboxStore constructs an empty OutboxStore.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{nextSeq: 1, nextPub: 1, bySeq: make(map[int64]*outboxstore.Record)}
}

// Enqueue inserts a new event. The sequence is assigned immediately; the row
// becomes visible when the surrounding transaction, if any, commits.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	rec := &outboxstore.Record{
		Seq:       seq,
		Event:     evt,
		Status:    outboxstore.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Event.AvailableAt.IsZero() {
		rec.Event.AvailableAt = rec.CreatedAt
	}
	if tx, ok := TxFromContext(ctx); ok {
		tx.stage(func() { s.append(rec) })
	} else {
		s.append(rec)
	}
	return copyOutboxRecord(rec), nil
}

// append inserts at the row's sequence position. Staged rows commit in
// arbitrary order, so the slice is kept sorted rather than appended to.
func (s *OutboxStore) append(rec *outboxstore.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].Seq > rec.Seq })
	s.rows = append(s.rows, nil)
	copy(s.rows[at+1:], s.rows[at:])
	s.rows[at] = rec
	s.bySeq[rec.Seq] = rec
}

// ListPending returns undelivered events ready to publish, in log order.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]outboxstore.Record, 0)
	for _, rec := range s.rows {
		if rec.Status != outboxstore.StatusPending || rec.Event.AvailableAt.After(now) {
			continue
		}
		out = append(out, copyOutboxRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkPublished flags a pending row as broadcast and assigns the next publish
// position.
func (s *OutboxStore) MarkPublished(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySeq[seq]
	if !ok || rec.Status != outboxstore.StatusPending {
		return errs.New("outboxstore/memory", errs.CodeConflict,
			errs.WithMessage("no pending outbox row for seq"))
	}
	now := time.Now().UTC()
	rec.Status = outboxstore.StatusPublished
	rec.PublishedAt = &now
	rec.PubSeq = s.nextPub
	s.nextPub++
	s.published = append(s.published, rec)
	return nil
}

// MarkAttemptFailed records a failed publish attempt; the row stays pending.
func (s *OutboxStore) MarkAttemptFailed(_ context.Context, seq int64, lastError string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySeq[seq]
	if !ok || rec.Status != outboxstore.StatusPending {
		return errs.New("outboxstore/memory", errs.CodeConflict,
			errs.WithMessage("no pending outbox row for seq"))
	}
	rec.Attempts++
	rec.LastError = lastError
	rec.Event.AvailableAt = retryAt
	return nil
}

// MarkFailed terminally fails the row.
func (s *OutboxStore) MarkFailed(_ context.Context, seq int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySeq[seq]
	if !ok || rec.Status != outboxstore.StatusPending {
		return errs.New("outboxstore/memory", errs.CodeConflict,
			errs.WithMessage("no pending outbox row for seq"))
	}
	rec.Attempts++
	rec.LastError = lastError
	rec.Status = outboxstore.StatusFailed
	return nil
}

// ListPublished reads published rows after a publish position, in publish
// order.
func (s *OutboxStore) ListPublished(_ context.Context, sincePub int64, until time.Time, limit int) ([]outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outboxstore.Record, 0)
	for _, rec := range s.published {
		if rec.PubSeq <= sincePub {
			continue
		}
		if !until.IsZero() && rec.CreatedAt.After(until) {
			continue
		}
		out = append(out, copyOutboxRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListRange reads the raw log from an insert sequence position and optional
// time window.
func (s *OutboxStore) ListRange(_ context.Context, sinceSeq int64, until time.Time, limit int) ([]outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outboxstore.Record, 0)
	for _, rec := range s.rows {
		if rec.Seq <= sinceSeq {
			continue
		}
		if !until.IsZero() && rec.CreatedAt.After(until) {
			continue
		}
		out = append(out, copyOutboxRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Head returns the highest assigned publish position, zero when nothing has
// been published.
func (s *OutboxStore) Head(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPub - 1, nil
}

func copyOutboxRecord(rec *outboxstore.Record) outboxstore.Record {
	out := *rec
	out.Event.Payload = append(json.RawMessage(nil), rec.Event.Payload...)
	if rec.PublishedAt != nil {
		t := *rec.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

var _ outboxstore.Store = (*OutboxStore)(nil)
