// Package work defines the unit of deferred work routed through the dispatcher.
package work

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/errs"
)

// Priority orders work items into fixed classes. Priority is realised through
// differential partition counts, never by reordering inside a mailbox.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every class from most to least capacity.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Validate reports whether the priority names a known class.
func (p Priority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return nil
	}
	return errs.New("work/priority", errs.CodeInvalid,
		errs.WithMessage("unknown priority class: "+string(p)))
}

// Status tracks the lifecycle of a work item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Item is a job or a domain event flowing through the dispatch core. The ID is
// assigned once at submission and never changes; it is the sole key for
// deduplication, status lookup and dead-letter cross-referencing.
type Item struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	DedupeKey     string          `json:"dedupeKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	MaxAttempts   int             `json:"maxAttempts,omitempty"`
}

// Validate checks the invariants required before an item enters a mailbox.
func (i Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errs.New("work/item", errs.CodeInvalid, errs.WithMessage("id required"))
	}
	if strings.TrimSpace(i.TenantID) == "" {
		return errs.New("work/item", errs.CodeInvalid, errs.WithMessage("tenant id required"), errs.WithItemID(i.ID))
	}
	if strings.TrimSpace(i.Type) == "" {
		return errs.New("work/item", errs.CodeInvalid, errs.WithMessage("type required"), errs.WithItemID(i.ID))
	}
	return i.Priority.Validate()
}

// NewID mints a time-ordered identifier. UUIDv7 embeds the creation timestamp,
// so no separate createdAt column is carried on the item itself.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errs.New("work/id", errs.CodeInternal, errs.WithMessage("mint id"), errs.WithCause(err))
	}
	return id.String(), nil
}

// CreatedAt recovers the creation timestamp embedded in a UUIDv7 id. The zero
// time is returned for malformed or non-time-ordered ids.
func CreatedAt(id string) time.Time {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil || parsed.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// Transition records one lifecycle step for audit and debugging.
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Attempt records one failed handler execution.
type Attempt struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// ItemStatus is the caller-visible view of a work item's progress.
type ItemStatus struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	Type     string          `json:"type"`
	Status   Status          `json:"status"`
	Attempts int             `json:"attempts"`
	History  []Transition    `json:"history"`
	Result   json.RawMessage `json:"result,omitempty"`
}
