// Package dedupstore defines the durable tier of the deduplication cache.
package dedupstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Claim is the durable completion marker for an idempotency key.
type Claim struct {
	TenantID    string
	Key         string
	Owner       string
	Result      json.RawMessage
	CompletedAt *time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Completed reports whether the claimed work finished and recorded an outcome.
func (c Claim) Completed() bool {
	return c.CompletedAt != nil
}

// Store is the cluster-shared source of truth for idempotency claims. Every
// operation is a single-row atomic mutation; TryClaim in particular must be an
// insert-if-absent so two racing callers can never both win.
type Store interface {
	// TryClaim atomically claims the key for owner. When the key is already
	// held the existing claim is returned with claimed=false.
	TryClaim(ctx context.Context, tenantID, key, owner string, ttl time.Duration) (claimed bool, existing Claim, err error)
	// MarkComplete records the outcome for a held claim and extends its
	// lifetime to the completed-outcome TTL.
	MarkComplete(ctx context.Context, tenantID, key string, result json.RawMessage, ttl time.Duration) error
	// Release drops an uncompleted claim so a retry may claim it again.
	Release(ctx context.Context, tenantID, key string) error
	// Get returns the current claim for the key, if any unexpired one exists.
	Get(ctx context.Context, tenantID, key string) (Claim, bool, error)
}
