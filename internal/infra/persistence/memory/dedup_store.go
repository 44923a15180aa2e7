package memory

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/dedupstore"
)

// DedupStore keeps idempotency claims in a map keyed by tenant and key.
type DedupStore struct {
	mu     sync.Mutex
	claims map[string]*dedupstore.Claim
}

// NewDedupStore constructs an empty DedupStore.
func NewDedupStore() *DedupStore {
	return &DedupStore{claims: make(map[string]*dedupstore.Claim)}
}

func claimKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// TryClaim atomically claims the key for owner, taking over expired claims.
func (s *DedupStore) TryClaim(_ context.Context, tenantID, key, owner string, ttl time.Duration) (bool, dedupstore.Claim, error) {
	if tenantID == "" || key == "" {
		return false, dedupstore.Claim{}, errs.New("dedupstore/memory", errs.CodeInvalid,
			errs.WithMessage("tenant and key required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.claims[claimKey(tenantID, key)]; ok && existing.ExpiresAt.After(now) {
		return false, copyClaim(existing), nil
	}
	s.claims[claimKey(tenantID, key)] = &dedupstore.Claim{
		TenantID:  tenantID,
		Key:       key,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return true, dedupstore.Claim{}, nil
}

// MarkComplete records the outcome for a held claim.
func (s *DedupStore) MarkComplete(_ context.Context, tenantID, key string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimKey(tenantID, key)]
	if !ok {
		return errs.NotFound("dedupstore/memory", key)
	}
	now := time.Now().UTC()
	claim.Result = append(json.RawMessage(nil), result...)
	claim.CompletedAt = &now
	claim.ExpiresAt = now.Add(ttl)
	return nil
}

// Release drops an uncompleted claim.
func (s *DedupStore) Release(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimKey(tenantID, key)]
	if ok && claim.CompletedAt == nil {
		delete(s.claims, claimKey(tenantID, key))
	}
	return nil
}

// Get returns the unexpired claim for the key, if any.
func (s *DedupStore) Get(_ context.Context, tenantID, key string) (dedupstore.Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimKey(tenantID, key)]
	if !ok || !claim.ExpiresAt.After(time.Now()) {
		return dedupstore.Claim{}, false, nil
	}
	return copyClaim(claim), true, nil
}

func copyClaim(claim *dedupstore.Claim) dedupstore.Claim {
	out := *claim
	out.Result = append(json.RawMessage(nil), claim.Result...)
	if claim.CompletedAt != nil {
		t := *claim.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

var _ dedupstore.Store = (*DedupStore)(nil)
