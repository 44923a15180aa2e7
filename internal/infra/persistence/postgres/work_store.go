package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/domain/workstore"
)

// WorkStore persists work item lifecycle state.
type WorkStore struct {
	pool *pgxpool.Pool
}

// NewWorkStore constructs a WorkStore backed by the provided pool.
func NewWorkStore(pool *pgxpool.Pool) *WorkStore {
	return &WorkStore{pool: pool}
}

const (
	defaultRecoverLimit = 256
	maxRecoverLimit     = 2048
)

const (
	workInsertSQL = `
INSERT INTO work_items (
    id,
    tenant_id,
    item_type,
    payload,
    priority,
    dedupe_key,
    correlation_id,
    causation_id,
    max_attempts,
    status,
    attempts,
    history
)
VALUES ($1, $2, $3, $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, 0, $11::jsonb);
`

	workSelectSQL = `
SELECT
    id,
    tenant_id,
    item_type,
    payload,
    priority,
    COALESCE(dedupe_key, ''),
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    max_attempts,
    status,
    attempts,
    history,
    result,
    updated_at
FROM work_items
WHERE id = $1;
`

	workTransitionSQL = `
UPDATE work_items
SET status = $3,
    history = history || $4::jsonb,
    updated_at = NOW()
WHERE id = $1
  AND status = $2;
`

	workResultSQL = `
UPDATE work_items
SET result = $2::jsonb,
    updated_at = NOW()
WHERE id = $1;
`

	workAttemptSQL = `
UPDATE work_items
SET attempts = attempts + 1,
    updated_at = NOW()
WHERE id = $1
RETURNING attempts;
`

	workRecoverableSQL = `
SELECT
    id,
    tenant_id,
    item_type,
    payload,
    priority,
    COALESCE(dedupe_key, ''),
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    max_attempts,
    status,
    attempts,
    history,
    result,
    updated_at
FROM work_items
WHERE status IN ('queued', 'processing')
ORDER BY id ASC
LIMIT $1;
`
)

// Insert records a freshly submitted item with status queued.
func (s *WorkStore) Insert(ctx context.Context, item work.Item) error {
	if s.pool == nil {
		return fmt.Errorf("work store: nil pool")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	history, err := json.Marshal([]work.Transition{{Status: work.StatusQueued, At: time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("work store: encode history: %w", err)
	}
	payload, err := encodeJSON(item.Payload)
	if err != nil {
		return fmt.Errorf("work store: encode payload: %w", err)
	}
	_, err = engine(ctx, s.pool).Exec(ctx, workInsertSQL,
		item.ID, item.TenantID, item.Type, payload, string(item.Priority),
		item.DedupeKey, item.CorrelationID, item.CausationID,
		item.MaxAttempts, string(work.StatusQueued), history)
	if err != nil {
		return fmt.Errorf("work store: insert: %w", err)
	}
	return nil
}

// Get returns the record for the id.
func (s *WorkStore) Get(ctx context.Context, id string) (workstore.Record, error) {
	if s.pool == nil {
		return workstore.Record{}, fmt.Errorf("work store: nil pool")
	}
	row := engine(ctx, s.pool).QueryRow(ctx, workSelectSQL, id)
	record, err := scanWorkRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return workstore.Record{}, errs.NotFound("work store", id)
	}
	return record, err
}

// Transition atomically moves the item between statuses.
func (s *WorkStore) Transition(ctx context.Context, id string, from, to work.Status, note string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("work store: nil pool")
	}
	entry, err := json.Marshal([]work.Transition{{Status: to, At: time.Now().UTC(), Note: note}})
	if err != nil {
		return false, fmt.Errorf("work store: encode transition: %w", err)
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, workTransitionSQL, id, string(from), string(to), entry)
	if err != nil {
		return false, fmt.Errorf("work store: transition: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordResult stores the completion payload.
func (s *WorkStore) RecordResult(ctx context.Context, id string, result json.RawMessage) error {
	if s.pool == nil {
		return fmt.Errorf("work store: nil pool")
	}
	encoded, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("work store: encode result: %w", err)
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, workResultSQL, id, encoded)
	if err != nil {
		return fmt.Errorf("work store: record result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("work store", id)
	}
	return nil
}

// RecordAttempt appends a failed attempt and returns the new attempt count.
func (s *WorkStore) RecordAttempt(ctx context.Context, id string, attempt work.Attempt) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("work store: nil pool")
	}
	// Attempt errors live in the dead-letter entry; the row tracks the count.
	_ = attempt
	var attempts int
	err := engine(ctx, s.pool).QueryRow(ctx, workAttemptSQL, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.NotFound("work store", id)
	}
	if err != nil {
		return 0, fmt.Errorf("work store: record attempt: %w", err)
	}
	return attempts, nil
}

// ListRecoverable returns items left queued or processing, oldest first.
func (s *WorkStore) ListRecoverable(ctx context.Context, limit int) ([]workstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("work store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRecoverLimit
	} else if limit > maxRecoverLimit {
		limit = maxRecoverLimit
	}
	rows, err := engine(ctx, s.pool).Query(ctx, workRecoverableSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("work store: list recoverable: %w", err)
	}
	defer rows.Close()

	var records []workstore.Record
	for rows.Next() {
		record, err := scanWorkRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work store: iterate recoverable: %w", err)
	}
	return records, nil
}

func scanWorkRecord(row rowScanner) (workstore.Record, error) {
	var (
		record      workstore.Record
		payloadJSON []byte
		priority    string
		status      string
		historyJSON []byte
		resultJSON  []byte
		maxAttempts pgtype.Int4
	)
	if err := row.Scan(
		&record.Item.ID,
		&record.Item.TenantID,
		&record.Item.Type,
		&payloadJSON,
		&priority,
		&record.Item.DedupeKey,
		&record.Item.CorrelationID,
		&record.Item.CausationID,
		&maxAttempts,
		&status,
		&record.Attempts,
		&historyJSON,
		&resultJSON,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workstore.Record{}, err
		}
		return workstore.Record{}, fmt.Errorf("work store: scan record: %w", err)
	}
	record.Item.Priority = work.Priority(priority)
	record.Status = work.Status(status)
	if maxAttempts.Valid {
		record.Item.MaxAttempts = int(maxAttempts.Int32)
	}
	if len(payloadJSON) > 0 {
		record.Item.Payload = json.RawMessage(payloadJSON)
	}
	if len(resultJSON) > 0 {
		record.Result = json.RawMessage(resultJSON)
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &record.History); err != nil {
			return workstore.Record{}, fmt.Errorf("work store: decode history: %w", err)
		}
	}
	return record, nil
}

var _ workstore.Store = (*WorkStore)(nil)
