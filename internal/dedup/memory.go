// Package dedup implements the two-tier idempotency-key tracker used by job
// submission and event delivery to collapse duplicate at-least-once deliveries.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/domain/dedupstore"
)

// memoryTier is the bounded in-process hot path: O(1) lookups, TTL plus
// capacity eviction. It caches the durable tier and is never the source of
// truth, so its TTL must not exceed the durable claim TTL.
type memoryTier struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type memoryEntry struct {
	key       string
	claim     dedupstore.Claim
	expiresAt time.Time
}

func newMemoryTier(capacity int, ttl time.Duration) *memoryTier {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	tier := new(memoryTier)
	tier.capacity = capacity
	tier.ttl = ttl
	tier.entries = make(map[string]*list.Element)
	tier.order = list.New()
	return tier
}

func (t *memoryTier) get(key string) (dedupstore.Claim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.entries[key]
	if !ok {
		return dedupstore.Claim{}, false
	}
	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		t.removeLocked(elem)
		return dedupstore.Claim{}, false
	}
	t.order.MoveToBack(elem)
	return entry.claim, true
}

func (t *memoryTier) put(key string, claim dedupstore.Claim) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elem, ok := t.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.claim = claim
		entry.expiresAt = time.Now().Add(t.ttl)
		t.order.MoveToBack(elem)
		return
	}
	for t.order.Len() >= t.capacity {
		t.removeLocked(t.order.Front())
	}
	entry := &memoryEntry{key: key, claim: claim, expiresAt: time.Now().Add(t.ttl)}
	t.entries[key] = t.order.PushBack(entry)
}

func (t *memoryTier) drop(key string) {
	t.mu.Lock()
	if elem, ok := t.entries[key]; ok {
		t.removeLocked(elem)
	}
	t.mu.Unlock()
}

func (t *memoryTier) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*memoryEntry)
	delete(t.entries, entry.key)
	t.order.Remove(elem)
}

func (t *memoryTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
