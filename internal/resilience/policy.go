package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorhq/conveyor/errs"
)

// Config groups the resilience knobs shared by job dispatch and event delivery.
type Config struct {
	Retry    RetryConfig   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
	Bulkhead int           `yaml:"bulkhead"`
	// AttemptTimeout bounds a single handler invocation. The budget escalates
	// per retry attempt, capped at four times the base.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Normalise fills zero fields with defaults.
func (c Config) Normalise() Config {
	c.Retry = c.Retry.Normalise()
	c.Breaker = c.Breaker.Normalise()
	if c.Bulkhead < 0 {
		c.Bulkhead = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Invocation describes one guarded execution.
type Invocation struct {
	TenantID  string
	Operation string
	// MaxAttempts overrides the schedule's attempt budget for this invocation
	// when positive.
	MaxAttempts int
	// Attempt runs the guarded work. It is called once per attempt with a
	// deadline-bounded context.
	Attempt func(ctx context.Context) error
	// OnFailure observes every failed attempt in order, before the retry
	// decision. Optional.
	OnFailure func(attempt int, err error)
}

// Policy applies classification, retry, circuit breaking and bulkheading
// uniformly. It is the only place retry decisions are made; callers never
// layer ad hoc retry logic on top.
type Policy struct {
	cfg      Config
	breakers *BreakerSet
	bulkhead *Bulkhead
}

// NewPolicy constructs a policy from the config.
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.Normalise()
	p := new(Policy)
	p.cfg = cfg
	p.breakers = NewBreakerSet(cfg.Breaker)
	p.bulkhead = NewBulkhead(cfg.Bulkhead)
	return p
}

// Run executes the invocation under the policy. It returns nil on success,
// the original error for terminal failures, ctx.Err() on interrupt, and a
// max_retries envelope wrapping the final error on budget exhaustion.
func (p *Policy) Run(ctx context.Context, inv Invocation) error {
	key := BreakerKey(inv.TenantID, inv.Operation)
	sched := p.scheduleFor(inv.MaxAttempts)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++

		err := p.runOnce(ctx, key, attempt, inv)
		if err == nil {
			sched.Observe()
			p.breakers.RecordSuccess(key)
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Interrupt, not a failure; cancellation cleanup belongs to the
			// caller's on-cancel hook.
			return ctx.Err()
		}
		if errs.Classify(err) == errs.ClassRetryable && errs.CodeOf(err) != errs.CodeCircuitOpen {
			p.breakers.RecordFailure(key)
		}
		if inv.OnFailure != nil {
			inv.OnFailure(attempt, err)
		}
		if errs.IsTerminal(err) {
			return err
		}
		delay, giveUp := sched.Next()
		if giveUp {
			return errs.New(inv.Operation, errs.CodeMaxRetries,
				errs.WithTenant(inv.TenantID),
				errs.WithMessage("retry budget exhausted"),
				errs.WithCause(err))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Policy) runOnce(ctx context.Context, key string, attempt int, inv Invocation) error {
	if err := p.breakers.Allow(key); err != nil {
		return err
	}
	release, err := p.bulkhead.Acquire(key)
	if err != nil {
		return err
	}
	defer release()

	actx, cancel := context.WithTimeout(ctx, p.attemptTimeout(attempt))
	defer cancel()

	err = inv.Attempt(actx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.New(inv.Operation, errs.CodeTimeout,
			errs.WithTenant(inv.TenantID),
			errs.WithMessage("attempt exceeded time budget"),
			errs.WithCause(err))
	}
	return err
}

// attemptTimeout escalates the per-attempt budget for later retries.
func (p *Policy) attemptTimeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 4 {
		attempt = 4
	}
	return p.cfg.AttemptTimeout * time.Duration(attempt)
}

// scheduleFor builds the invocation's own retry state machine. Breaker state
// is shared per (tenant, operation); the attempt budget is not, so concurrent
// invocations of one operation cannot drain each other's retries.
func (p *Policy) scheduleFor(maxAttempts int) *Schedule {
	cfg := p.cfg.Retry
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return NewSchedule(cfg)
}

// Breakers exposes the breaker set for observability surfaces.
func (p *Policy) Breakers() *BreakerSet {
	return p.breakers
}
