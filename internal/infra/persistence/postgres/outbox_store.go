package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
)

// OutboxStore persists events destined for the event bus. Rows written inside
// a caller transaction (via ContextWithTx) only become visible to the
// publisher after that transaction commits.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    event_id,
    tenant_id,
    event_type,
    aggregate_id,
    correlation_id,
    causation_id,
    payload,
    status,
    available_at
)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), COALESCE($7::jsonb, '{}'::jsonb), 'pending', $8)
RETURNING
    seq,
    COALESCE(pub_seq, 0),
    event_id,
    tenant_id,
    event_type,
    aggregate_id,
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    payload,
    status,
    attempts,
    COALESCE(last_error, ''),
    available_at,
    published_at,
    created_at;
`

	outboxListPendingSQL = `
SELECT
    seq,
    COALESCE(pub_seq, 0),
    event_id,
    tenant_id,
    event_type,
    aggregate_id,
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    payload,
    status,
    attempts,
    COALESCE(last_error, ''),
    available_at,
    published_at,
    created_at
FROM events_outbox
WHERE status = 'pending'
  AND available_at <= NOW()
ORDER BY seq ASC
LIMIT $1;
`

	outboxMarkPublishedSQL = `
UPDATE events_outbox
SET status = 'published',
    published_at = NOW(),
    pub_seq = nextval('events_outbox_pub_seq'),
    attempts = attempts + 1
WHERE seq = $1
  AND status = 'pending';
`

	outboxMarkAttemptFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE seq = $1
  AND status = 'pending';
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET status = 'failed',
    attempts = attempts + 1,
    last_error = $2
WHERE seq = $1
  AND status = 'pending';
`

	outboxListRangeSQL = `
SELECT
    seq,
    COALESCE(pub_seq, 0),
    event_id,
    tenant_id,
    event_type,
    aggregate_id,
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    payload,
    status,
    attempts,
    COALESCE(last_error, ''),
    available_at,
    published_at,
    created_at
FROM events_outbox
WHERE seq > $1
  AND ($2::timestamptz IS NULL OR created_at <= $2)
ORDER BY seq ASC
LIMIT $3;
`

	outboxListPublishedSQL = `
SELECT
    seq,
    COALESCE(pub_seq, 0),
    event_id,
    tenant_id,
    event_type,
    aggregate_id,
    COALESCE(correlation_id, ''),
    COALESCE(causation_id, ''),
    payload,
    status,
    attempts,
    COALESCE(last_error, ''),
    available_at,
    published_at,
    created_at
FROM events_outbox
WHERE pub_seq > $1
  AND ($2::timestamptz IS NULL OR created_at <= $2)
ORDER BY pub_seq ASC
LIMIT $3;
`

	outboxHeadSQL = `
SELECT COALESCE(MAX(pub_seq), 0)
FROM events_outbox;
`
)

// Enqueue inserts a new event into the outbox, joining a caller transaction
// carried in ctx when one is present.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	if s.pool == nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: nil pool")
	}
	eventID := strings.TrimSpace(evt.EventID)
	if eventID == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event id required")
	}
	tenantID := strings.TrimSpace(evt.TenantID)
	if tenantID == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: tenant id required")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event type required")
	}
	aggregateID := strings.TrimSpace(evt.AggregateID)
	if aggregateID == "" {
		aggregateID = eventID
	}
	payload, err := encodeJSON(evt.Payload)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: encode payload: %w", err)
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := engine(ctx, s.pool).QueryRow(ctx, outboxInsertSQL,
		eventID, tenantID, eventType, aggregateID,
		evt.CorrelationID, evt.CausationID, payload, availableAt)
	return scanOutboxRecord(row)
}

// ListPending returns undelivered events ready to publish, in log order.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	rows, err := engine(ctx, s.pool).Query(ctx, outboxListPendingSQL, clampOutboxLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()
	return collectOutboxRecords(rows)
}

// MarkPublished flags a stored event as successfully broadcast and assigns
// its publish position.
func (s *OutboxStore) MarkPublished(ctx context.Context, seq int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, outboxMarkPublishedSQL, seq)
	if err != nil {
		return fmt.Errorf("outbox store: mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark published: no pending row for seq %d", seq)
	}
	return nil
}

// MarkAttemptFailed records a failed publish attempt and schedules a retry.
func (s *OutboxStore) MarkAttemptFailed(ctx context.Context, seq int64, lastError string, retryAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, outboxMarkAttemptFailedSQL, seq, strings.TrimSpace(lastError), retryAt)
	if err != nil {
		return fmt.Errorf("outbox store: mark attempt failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark attempt failed: no pending row for seq %d", seq)
	}
	return nil
}

// MarkFailed terminally fails the row after repeated broadcast failure.
func (s *OutboxStore) MarkFailed(ctx context.Context, seq int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, outboxMarkFailedSQL, seq, strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no pending row for seq %d", seq)
	}
	return nil
}

// ListPublished reads published rows after a publish position, in publish
// order.
func (s *OutboxStore) ListPublished(ctx context.Context, sincePub int64, until time.Time, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	var untilArg any
	if !until.IsZero() {
		untilArg = until
	}
	rows, err := engine(ctx, s.pool).Query(ctx, outboxListPublishedSQL, sincePub, untilArg, clampOutboxLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list published: %w", err)
	}
	defer rows.Close()
	return collectOutboxRecords(rows)
}

// ListRange reads the raw event log from an insert sequence position.
func (s *OutboxStore) ListRange(ctx context.Context, sinceSeq int64, until time.Time, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	var untilArg any
	if !until.IsZero() {
		untilArg = until
	}
	rows, err := engine(ctx, s.pool).Query(ctx, outboxListRangeSQL, sinceSeq, untilArg, clampOutboxLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list range: %w", err)
	}
	defer rows.Close()
	return collectOutboxRecords(rows)
}

// Head returns the highest assigned publish position, zero when nothing has
// been published.
func (s *OutboxStore) Head(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	var head int64
	if err := engine(ctx, s.pool).QueryRow(ctx, outboxHeadSQL).Scan(&head); err != nil {
		return 0, fmt.Errorf("outbox store: head: %w", err)
	}
	return head, nil
}

func clampOutboxLimit(limit int) int {
	if limit <= 0 {
		return defaultOutboxLimit
	}
	if limit > maxOutboxLimit {
		return maxOutboxLimit
	}
	return limit
}

func collectOutboxRecords(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]outboxstore.Record, error) {
	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate rows: %w", err)
	}
	return records, nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		payloadJSON []byte
		status      string
		publishedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.Seq,
		&record.PubSeq,
		&record.Event.EventID,
		&record.Event.TenantID,
		&record.Event.EventType,
		&record.Event.AggregateID,
		&record.Event.CorrelationID,
		&record.Event.CausationID,
		&payloadJSON,
		&status,
		&record.Attempts,
		&record.LastError,
		&record.Event.AvailableAt,
		&publishedAt,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Status = outboxstore.Status(status)
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if len(payloadJSON) > 0 {
		record.Event.Payload = json.RawMessage(payloadJSON)
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
