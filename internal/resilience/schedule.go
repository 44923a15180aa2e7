// Package resilience provides the uniform retry, backoff and circuit-breaking
// layer shared by job dispatch and event delivery.
package resilience

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig parameterises the retry schedule.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	// MaxAttempts bounds the number of handler invocations, the first
	// included.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxElapsed bounds the total duration of one retry burst.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	// RecoveryWindow resets the attempt budget after a sustained quiet
	// period, so a transiently-flaky handler does not inherit an exhausted
	// budget from an unrelated earlier incident.
	RecoveryWindow time.Duration `yaml:"recovery_window"`
}

// Normalise fills zero fields with defaults.
func (c RetryConfig) Normalise() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 10 * time.Minute
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 2 * time.Minute
	}
	return c
}

// Schedule is the explicit retry state machine: attempt count plus
// last-failure timestamp threaded through each decision. Each guarded
// invocation carries its own instance, so one item's failures never spend
// another item's attempt budget.
type Schedule struct {
	cfg RetryConfig

	mu          sync.Mutex
	attempts    int
	burstStart  time.Time
	lastFailure time.Time
	back        *backoff.ExponentialBackOff
}

// NewSchedule constructs a schedule from the config.
func NewSchedule(cfg RetryConfig) *Schedule {
	cfg = cfg.Normalise()
	return &Schedule{cfg: cfg, back: newBackOff(cfg)}
}

func newBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}

// Next records one failed attempt and returns the delay before the next one.
// giveUp is true when the budget (attempts or elapsed time) is exhausted; the
// state machine then resets so the next burst starts fresh.
func (s *Schedule) Next() (delay time.Duration, giveUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.attempts > 0 && !s.lastFailure.IsZero() && now.Sub(s.lastFailure) > s.cfg.RecoveryWindow {
		s.resetLocked()
	}
	if s.attempts == 0 {
		s.burstStart = now
	}
	s.attempts++
	s.lastFailure = now

	if s.attempts >= s.cfg.MaxAttempts || now.Sub(s.burstStart) > s.cfg.MaxElapsed {
		s.resetLocked()
		return 0, true
	}
	delay = s.back.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		s.resetLocked()
		return 0, true
	}
	return delay, false
}

// Observe records a successful attempt, clearing the failure streak.
func (s *Schedule) Observe() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// Attempts returns the failures accumulated in the current burst.
func (s *Schedule) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Schedule) resetLocked() {
	s.attempts = 0
	s.burstStart = time.Time{}
	s.back = newBackOff(s.cfg)
}
