// Package filter provides payload predicates for event subscriptions.
// Predicates run after type dispatch, so they only see events of the
// subscribed type.
package filter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
)

// Predicate decides whether a subscriber receives an event.
type Predicate interface {
	Match(eventType string, payload json.RawMessage) (bool, error)
}

// Func adapts a Go function to a Predicate.
type Func func(eventType string, payload json.RawMessage) (bool, error)

// Match implements Predicate.
func (f Func) Match(eventType string, payload json.RawMessage) (bool, error) {
	if f == nil {
		return true, nil
	}
	return f(eventType, payload)
}

// All matches every event.
func All() Predicate {
	return Func(nil)
}

// Expression is a JavaScript boolean expression evaluated against each event.
// The expression sees an `event` binding with `type` and `payload` fields:
//
//	event.type === "order.created" && event.payload.total > 100
//
// The program is compiled once; evaluation is serialised because a goja
// runtime is not safe for concurrent use.
type Expression struct {
	src     string
	program *goja.Program

	mu sync.Mutex
	rt *goja.Runtime
}

// NewExpression compiles the expression source.
func NewExpression(src string) (*Expression, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, errs.New("filter", errs.CodeInvalid, errs.WithMessage("expression required"))
	}
	program, err := goja.Compile("filter", "("+trimmed+")", true)
	if err != nil {
		return nil, errs.New("filter", errs.CodeInvalid,
			errs.WithMessage("compile expression"), errs.WithCause(err))
	}
	return &Expression{src: trimmed, program: program, rt: goja.New()}, nil
}

// Match evaluates the expression. Payloads that are not JSON objects are
// exposed to the expression as-is (numbers, strings, arrays, null).
func (e *Expression) Match(eventType string, payload json.RawMessage) (bool, error) {
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return false, errs.New("filter", errs.CodeDeserialization,
				errs.WithMessage("decode payload"), errs.WithCause(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rt.Set("event", map[string]any{
		"type":    eventType,
		"payload": decoded,
	})
	value, err := func() (v goja.Value, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("filter expression panicked: %v", rec)
			}
		}()
		return e.rt.RunProgram(e.program)
	}()
	if err != nil {
		return false, errs.New("filter", errs.CodeValidation,
			errs.WithMessage("evaluate expression"), errs.WithCause(err))
	}
	return value.ToBoolean(), nil
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.src }

var _ Predicate = (*Expression)(nil)
