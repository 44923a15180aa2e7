package resilience

import (
	"sync"

	"github.com/conveyorhq/conveyor/errs"
)

// Bulkhead caps concurrent executions per key so one slow downstream cannot
// exhaust shared worker capacity. Composes with the circuit breaker.
type Bulkhead struct {
	limit int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewBulkhead constructs a bulkhead admitting limit concurrent executions per
// key. limit <= 0 disables the cap.
func NewBulkhead(limit int) *Bulkhead {
	b := new(Bulkhead)
	b.limit = limit
	b.slots = make(map[string]chan struct{})
	return b
}

// Acquire claims a slot for the key without blocking. The returned release
// function must be called on every exit path.
func (b *Bulkhead) Acquire(key string) (release func(), err error) {
	if b == nil || b.limit <= 0 {
		return func() {}, nil
	}
	b.mu.Lock()
	sem := b.slots[key]
	if sem == nil {
		sem = make(chan struct{}, b.limit)
		b.slots[key] = sem
	}
	b.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
		return nil, errs.New("resilience/bulkhead", errs.CodeUnavailable,
			errs.WithMessage("concurrency cap reached for "+key))
	}
}
