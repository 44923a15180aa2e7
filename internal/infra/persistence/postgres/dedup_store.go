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

	"github.com/conveyorhq/conveyor/internal/domain/dedupstore"
)

// DedupStore is the durable, cluster-shared idempotency tier. Claims are won
// by single-statement insert-if-absent or expired-row takeover; no
// read-then-write sequences.
type DedupStore struct {
	pool *pgxpool.Pool
}

// NewDedupStore constructs a DedupStore backed by the provided pool.
func NewDedupStore(pool *pgxpool.Pool) *DedupStore {
	return &DedupStore{pool: pool}
}

const (
	dedupInsertSQL = `
INSERT INTO dedup_claims (tenant_id, claim_key, owner, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, claim_key) DO NOTHING;
`

	dedupTakeoverSQL = `
UPDATE dedup_claims
SET owner = $3,
    expires_at = $4,
    result = NULL,
    completed_at = NULL,
    created_at = NOW()
WHERE tenant_id = $1
  AND claim_key = $2
  AND expires_at < NOW();
`

	dedupSelectSQL = `
SELECT
    tenant_id,
    claim_key,
    owner,
    result,
    completed_at,
    expires_at,
    created_at
FROM dedup_claims
WHERE tenant_id = $1
  AND claim_key = $2
  AND expires_at >= NOW();
`

	dedupCompleteSQL = `
UPDATE dedup_claims
SET result = $3::jsonb,
    completed_at = NOW(),
    expires_at = $4
WHERE tenant_id = $1
  AND claim_key = $2;
`

	dedupReleaseSQL = `
DELETE FROM dedup_claims
WHERE tenant_id = $1
  AND claim_key = $2
  AND completed_at IS NULL;
`
)

// TryClaim atomically claims the key for owner. Exactly one caller racing on
// an unclaimed key observes claimed=true.
func (s *DedupStore) TryClaim(ctx context.Context, tenantID, key, owner string, ttl time.Duration) (bool, dedupstore.Claim, error) {
	if s.pool == nil {
		return false, dedupstore.Claim{}, fmt.Errorf("dedup store: nil pool")
	}
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" || key == "" {
		return false, dedupstore.Claim{}, fmt.Errorf("dedup store: tenant and key required")
	}
	expiresAt := time.Now().Add(ttl)

	tag, err := engine(ctx, s.pool).Exec(ctx, dedupInsertSQL, tenantID, key, owner, expiresAt)
	if err != nil {
		return false, dedupstore.Claim{}, fmt.Errorf("dedup store: claim insert: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, dedupstore.Claim{}, nil
	}

	// Key exists. Take over only when the prior claim expired; at most one of
	// the racing callers matches the expired row.
	tag, err = engine(ctx, s.pool).Exec(ctx, dedupTakeoverSQL, tenantID, key, owner, expiresAt)
	if err != nil {
		return false, dedupstore.Claim{}, fmt.Errorf("dedup store: claim takeover: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, dedupstore.Claim{}, nil
	}

	claim, ok, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return false, dedupstore.Claim{}, err
	}
	if !ok {
		// The holder released between our statements; report unclaimed so the
		// caller retries rather than double-claiming.
		return false, dedupstore.Claim{}, nil
	}
	return false, claim, nil
}

// MarkComplete records the outcome for a held claim.
func (s *DedupStore) MarkComplete(ctx context.Context, tenantID, key string, result json.RawMessage, ttl time.Duration) error {
	if s.pool == nil {
		return fmt.Errorf("dedup store: nil pool")
	}
	encoded, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("dedup store: encode result: %w", err)
	}
	tag, err := engine(ctx, s.pool).Exec(ctx, dedupCompleteSQL, tenantID, key, encoded, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("dedup store: mark complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dedup store: mark complete: no claim for key %s", key)
	}
	return nil
}

// Release drops an uncompleted claim.
func (s *DedupStore) Release(ctx context.Context, tenantID, key string) error {
	if s.pool == nil {
		return fmt.Errorf("dedup store: nil pool")
	}
	if _, err := engine(ctx, s.pool).Exec(ctx, dedupReleaseSQL, tenantID, key); err != nil {
		return fmt.Errorf("dedup store: release: %w", err)
	}
	return nil
}

// Get returns the unexpired claim for the key, if any.
func (s *DedupStore) Get(ctx context.Context, tenantID, key string) (dedupstore.Claim, bool, error) {
	if s.pool == nil {
		return dedupstore.Claim{}, false, fmt.Errorf("dedup store: nil pool")
	}
	var (
		claim       dedupstore.Claim
		resultJSON  []byte
		completedAt pgtype.Timestamptz
	)
	err := engine(ctx, s.pool).QueryRow(ctx, dedupSelectSQL, tenantID, key).Scan(
		&claim.TenantID,
		&claim.Key,
		&claim.Owner,
		&resultJSON,
		&completedAt,
		&claim.ExpiresAt,
		&claim.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dedupstore.Claim{}, false, nil
	}
	if err != nil {
		return dedupstore.Claim{}, false, fmt.Errorf("dedup store: get claim: %w", err)
	}
	if len(resultJSON) > 0 {
		claim.Result = json.RawMessage(resultJSON)
	}
	if completedAt.Valid {
		t := completedAt.Time
		claim.CompletedAt = &t
	}
	return claim, true, nil
}

var _ dedupstore.Store = (*DedupStore)(nil)
