package resilience

import (
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/errs"
)

// BreakerConfig parameterises the per-(tenant, operation) circuit.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int `yaml:"threshold"`
	// Cooldown is how long an open circuit short-circuits attempts before
	// allowing a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Normalise fills zero fields with defaults.
func (c BreakerConfig) Normalise() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 4
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 90 * time.Second
	}
	return c
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuit struct {
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerSet tracks one circuit per key. Keys are (tenant, operation) pairs so
// one failing downstream cannot poison unrelated tenants or operations.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakerSet constructs a breaker set from the config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	set := new(BreakerSet)
	set.cfg = cfg.Normalise()
	set.circuits = make(map[string]*circuit)
	return set
}

// BreakerKey builds the canonical circuit key.
func BreakerKey(tenantID, operation string) string {
	return tenantID + "/" + operation
}

// Allow reports whether an attempt may proceed. An open circuit within its
// cooldown yields a retryable circuit_open error; after the cooldown a single
// half-open probe is admitted.
func (b *BreakerSet) Allow(key string) error {
	if b == nil || !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return nil
	}
	switch c.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(c.openedAt) < b.cfg.Cooldown {
			return errs.New("resilience/breaker", errs.CodeCircuitOpen,
				errs.WithMessage("circuit open for "+key))
		}
		c.state = breakerHalfOpen
		c.probing = true
		return nil
	case breakerHalfOpen:
		if c.probing {
			return errs.New("resilience/breaker", errs.CodeCircuitOpen,
				errs.WithMessage("circuit half-open, probe in flight for "+key))
		}
		c.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for the key.
func (b *BreakerSet) RecordSuccess(key string) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (b *BreakerSet) RecordFailure(key string) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = new(circuit)
		b.circuits[key] = c
	}
	if c.state == breakerHalfOpen {
		c.state = breakerOpen
		c.openedAt = time.Now()
		c.probing = false
		return
	}
	c.failures++
	if c.failures >= b.cfg.Threshold {
		c.state = breakerOpen
		c.openedAt = time.Now()
	}
}
