package dedup

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/dedupstore"
)

// Config tunes the cache tiers. TTL durations are tuning parameters, not
// invariants; the defaults follow the hot-dedup-minutes /
// completed-outcome-24h split.
type Config struct {
	LocalCapacity int           `yaml:"local_capacity"`
	LocalTTL      time.Duration `yaml:"local_ttl"`
	ClaimTTL      time.Duration `yaml:"claim_ttl"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
}

// Normalise fills zero fields with defaults and clamps the local TTL under
// the durable claim TTL so the cache can never outlive the source of truth.
func (c Config) Normalise() Config {
	if c.LocalCapacity <= 0 {
		c.LocalCapacity = 4096
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	if c.LocalTTL <= 0 || c.LocalTTL > c.ClaimTTL {
		c.LocalTTL = c.ClaimTTL
	}
	return c
}

// Outcome describes a claim attempt.
type Outcome struct {
	// Claimed is true when the caller won the key and owns the execution.
	Claimed bool
	// Existing holds the prior claim when Claimed is false.
	Existing dedupstore.Claim
}

// Cache is the two-tier tracker: a bounded in-process tier in front of the
// cluster-shared durable store. Atomicity of TryClaim across the cluster
// comes from the durable tier's insert-if-absent; the local tier only
// absorbs repeat lookups.
type Cache struct {
	cfg     Config
	local   *memoryTier
	durable dedupstore.Store
	owner   string
}

// NewCache constructs a cache over the durable tier. owner identifies this
// process in claim rows.
func NewCache(cfg Config, durable dedupstore.Store, owner string) (*Cache, error) {
	if durable == nil {
		return nil, errs.New("dedup", errs.CodeInvalid, errs.WithMessage("durable tier required"))
	}
	cfg = cfg.Normalise()
	c := new(Cache)
	c.cfg = cfg
	c.local = newMemoryTier(cfg.LocalCapacity, cfg.LocalTTL)
	c.durable = durable
	c.owner = owner
	return c, nil
}

// TryClaim answers "has this key already been processed?" and claims it
// atomically when not. Two callers racing cluster-wide on the same key can
// never both observe Claimed. owner identifies the winning execution (the
// work item or event id); it falls back to the cache owner when empty.
func (c *Cache) TryClaim(ctx context.Context, tenantID, key, owner string) (Outcome, error) {
	cacheKey := cacheKey(tenantID, key)
	if claim, ok := c.local.get(cacheKey); ok {
		return Outcome{Claimed: false, Existing: claim}, nil
	}
	if owner == "" {
		owner = c.owner
	}
	claimed, existing, err := c.durable.TryClaim(ctx, tenantID, key, owner, c.cfg.ClaimTTL)
	if err != nil {
		return Outcome{}, errs.New("dedup/claim", errs.CodeUnavailable,
			errs.WithTenant(tenantID), errs.WithCause(err))
	}
	if claimed {
		return Outcome{Claimed: true}, nil
	}
	c.local.put(cacheKey, existing)
	return Outcome{Claimed: false, Existing: existing}, nil
}

// MarkComplete records the outcome for a held claim and extends it to the
// completed-outcome TTL so long-tail redeliveries keep collapsing. owner
// names the execution that completed the work, matching the claim's owner.
func (c *Cache) MarkComplete(ctx context.Context, tenantID, key, owner string, result json.RawMessage) error {
	if err := c.durable.MarkComplete(ctx, tenantID, key, result, c.cfg.ResultTTL); err != nil {
		return errs.New("dedup/complete", errs.CodeUnavailable,
			errs.WithTenant(tenantID), errs.WithCause(err))
	}
	if owner == "" {
		owner = c.owner
	}
	now := time.Now().UTC()
	c.local.put(cacheKey(tenantID, key), dedupstore.Claim{
		TenantID:    tenantID,
		Key:         key,
		Owner:       owner,
		Result:      result,
		CompletedAt: &now,
		ExpiresAt:   now.Add(c.cfg.ResultTTL),
	})
	return nil
}

// Release drops an uncompleted claim after a failed execution so a later
// redelivery may claim the key again.
func (c *Cache) Release(ctx context.Context, tenantID, key string) error {
	c.local.drop(cacheKey(tenantID, key))
	if err := c.durable.Release(ctx, tenantID, key); err != nil {
		return errs.New("dedup/release", errs.CodeUnavailable,
			errs.WithTenant(tenantID), errs.WithCause(err))
	}
	return nil
}

// Lookup returns the current claim for a key without claiming it.
func (c *Cache) Lookup(ctx context.Context, tenantID, key string) (dedupstore.Claim, bool, error) {
	if claim, ok := c.local.get(cacheKey(tenantID, key)); ok {
		return claim, true, nil
	}
	claim, ok, err := c.durable.Get(ctx, tenantID, key)
	if err != nil {
		return dedupstore.Claim{}, false, errs.New("dedup/lookup", errs.CodeUnavailable,
			errs.WithTenant(tenantID), errs.WithCause(err))
	}
	if ok {
		c.local.put(cacheKey(tenantID, key), claim)
	}
	return claim, ok, err
}

func cacheKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}
