// Package errs provides structured error types shared across the Conveyor core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category in the dispatch taxonomy.
type Code string

const (
	// CodeNotFound indicates the referenced work item or entry does not exist.
	CodeNotFound Code = "not_found"
	// CodeAlreadyCancelled indicates the work item already reached a terminal state.
	CodeAlreadyCancelled Code = "already_cancelled"
	// CodeDuplicateEvent indicates an event id that was already processed.
	CodeDuplicateEvent Code = "duplicate_event"
	// CodeValidation indicates the payload failed schema checks.
	CodeValidation Code = "validation"
	// CodeDeserialization indicates the payload could not be decoded.
	CodeDeserialization Code = "deserialization_failed"
	// CodeHandlerMissing indicates no handler is registered for the work type.
	CodeHandlerMissing Code = "handler_missing"
	// CodeTimeout indicates a handler exceeded its time budget.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates a downstream or transport failure.
	CodeUnavailable Code = "unavailable"
	// CodeDeliveryFailed indicates an event could not be delivered to a subscriber.
	CodeDeliveryFailed Code = "delivery_failed"
	// CodeMaxRetries indicates the retry budget was exhausted without success.
	CodeMaxRetries Code = "max_retries"
	// CodeCircuitOpen indicates the per-tenant circuit rejected the attempt.
	CodeCircuitOpen Code = "circuit_open"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInternal captures uncategorized internal failures.
	CodeInternal Code = "internal"
)

// Class partitions every error into exactly one retry disposition.
type Class string

const (
	// ClassTerminal errors are never retried and dead-letter immediately.
	ClassTerminal Class = "terminal"
	// ClassRetryable errors re-enter the retry schedule.
	ClassRetryable Class = "retryable"
)

// classification is the single source of truth consulted by both the job
// dispatcher and the event bus. Codes absent from this table classify as
// retryable so transient downstream failures are never dropped on first
// occurrence.
var classification = map[Code]Class{
	CodeNotFound:         ClassTerminal,
	CodeAlreadyCancelled: ClassTerminal,
	CodeDuplicateEvent:   ClassTerminal,
	CodeValidation:       ClassTerminal,
	CodeDeserialization:  ClassTerminal,
	CodeHandlerMissing:   ClassTerminal,
	CodeInvalid:          ClassTerminal,
	CodeMaxRetries:       ClassTerminal,
	CodeTimeout:          ClassRetryable,
	CodeUnavailable:      ClassRetryable,
	CodeDeliveryFailed:   ClassRetryable,
	CodeCircuitOpen:      ClassRetryable,
	CodeConflict:         ClassRetryable,
	CodeInternal:         ClassRetryable,
}

// ClassOf returns the retry disposition for a code.
func ClassOf(code Code) Class {
	if class, ok := classification[code]; ok {
		return class
	}
	return ClassRetryable
}

// Classify resolves the retry disposition of an arbitrary error. Errors
// without a structured envelope classify as retryable.
func Classify(err error) Class {
	return ClassOf(CodeOf(err))
}

// IsTerminal reports whether the error must bypass the retry schedule.
func IsTerminal(err error) bool {
	return Classify(err) == ClassTerminal
}

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// E captures structured error information produced across the Conveyor stack.
type E struct {
	Component string
	Code      Code
	Tenant    string
	ItemID    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTenant records the tenant the failing operation belonged to.
func WithTenant(tenant string) Option {
	trimmed := strings.TrimSpace(tenant)
	return func(e *E) {
		e.Tenant = trimmed
	}
}

// WithItemID records the work item or event the failure concerns.
func WithItemID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.ItemID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)
	parts = append(parts, "class="+string(ClassOf(e.Code)))

	if e.Tenant != "" {
		parts = append(parts, "tenant="+e.Tenant)
	}
	if e.ItemID != "" {
		parts = append(parts, "item="+e.ItemID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by code so callers can use errors.Is against sentinel
// envelopes built with New.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e != nil && e.Code == other.Code
}

// NotFound returns a standardized error for missing work items.
func NotFound(component, id string) *E {
	return New(component, CodeNotFound, WithItemID(id), WithMessage("work item not found"))
}
