package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// DeadLetterStore persists permanently failed work items.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const (
	defaultDeadLetterLimit = 128
	maxDeadLetterLimit     = 1024
)

const (
	deadLetterInsertSQL = `
INSERT INTO dead_letters (
    id,
    item_id,
    tenant_id,
    item_type,
    priority,
    payload,
    dedupe_key,
    error_reason,
    attempts
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, NULLIF($7, ''), $8, $9::jsonb);
`

	deadLetterSelectSQL = `
SELECT
    id,
    item_id,
    tenant_id,
    item_type,
    priority,
    payload,
    COALESCE(dedupe_key, ''),
    error_reason,
    attempts,
    created_at,
    replayed_at
FROM dead_letters
WHERE id = $1;
`

	deadLetterListSQL = `
SELECT
    id,
    item_id,
    tenant_id,
    item_type,
    priority,
    payload,
    COALESCE(dedupe_key, ''),
    error_reason,
    attempts,
    created_at,
    replayed_at
FROM dead_letters
WHERE replayed_at IS NULL
  AND ($1 = '' OR tenant_id = $1)
  AND ($2 = '' OR error_reason = $2)
ORDER BY created_at ASC
LIMIT $3;
`

	deadLetterMarkReplayedSQL = `
UPDATE dead_letters
SET replayed_at = $2
WHERE id = $1
  AND replayed_at IS NULL;
`
)

// Insert records a new dead-letter entry.
func (s *DeadLetterStore) Insert(ctx context.Context, entry dlqstore.Entry) error {
	if s.pool == nil {
		return fmt.Errorf("dead letter store: nil pool")
	}
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.ItemID) == "" {
		return fmt.Errorf("dead letter store: entry and item ids required")
	}
	payload, err := encodeJSON(entry.Payload)
	if err != nil {
		return fmt.Errorf("dead letter store: encode payload: %w", err)
	}
	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("dead letter store: encode attempts: %w", err)
	}
	_, err = engine(ctx, s.pool).Exec(ctx, deadLetterInsertSQL,
		entry.ID, entry.ItemID, entry.TenantID, entry.ItemType,
		string(entry.Priority), payload, entry.DedupeKey,
		string(entry.ErrorReason), attempts)
	if err != nil {
		return fmt.Errorf("dead letter store: insert: %w", err)
	}
	return nil
}

// Get returns the entry for the id.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (dlqstore.Entry, error) {
	if s.pool == nil {
		return dlqstore.Entry{}, fmt.Errorf("dead letter store: nil pool")
	}
	row := engine(ctx, s.pool).QueryRow(ctx, deadLetterSelectSQL, id)
	entry, err := scanDeadLetterEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return dlqstore.Entry{}, errs.NotFound("dead letter store", id)
	}
	return entry, err
}

// ListPending returns entries not yet replayed, oldest first.
func (s *DeadLetterStore) ListPending(ctx context.Context, filter dlqstore.Filter) ([]dlqstore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dead letter store: nil pool")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	} else if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}
	rows, err := engine(ctx, s.pool).Query(ctx, deadLetterListSQL,
		strings.TrimSpace(filter.TenantID), string(filter.Reason), limit)
	if err != nil {
		return nil, fmt.Errorf("dead letter store: list pending: %w", err)
	}
	defer rows.Close()

	var entries []dlqstore.Entry
	for rows.Next() {
		entry, err := scanDeadLetterEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter store: iterate pending: %w", err)
	}
	return entries, nil
}

// MarkReplayed stamps ReplayedAt once; already-replayed entries report false.
func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("dead letter store: nil pool")
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, deadLetterMarkReplayedSQL, id, at)
	if err != nil {
		return false, fmt.Errorf("dead letter store: mark replayed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanDeadLetterEntry(row rowScanner) (dlqstore.Entry, error) {
	var (
		entry        dlqstore.Entry
		priority     string
		payloadJSON  []byte
		reason       string
		attemptsJSON []byte
		replayedAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&entry.ID,
		&entry.ItemID,
		&entry.TenantID,
		&entry.ItemType,
		&priority,
		&payloadJSON,
		&entry.DedupeKey,
		&reason,
		&attemptsJSON,
		&entry.CreatedAt,
		&replayedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dlqstore.Entry{}, err
		}
		return dlqstore.Entry{}, fmt.Errorf("dead letter store: scan entry: %w", err)
	}
	entry.Priority = work.Priority(priority)
	entry.ErrorReason = errs.Code(reason)
	if len(payloadJSON) > 0 {
		entry.Payload = json.RawMessage(payloadJSON)
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &entry.Attempts); err != nil {
			return dlqstore.Entry{}, fmt.Errorf("dead letter store: decode attempts: %w", err)
		}
	}
	if replayedAt.Valid {
		t := replayedAt.Time
		entry.ReplayedAt = &t
	}
	return entry, nil
}

var _ dlqstore.Store = (*DeadLetterStore)(nil)
