// Package registry holds the open mapping from work type to handler.
package registry

import (
	"context"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// Handler executes one work item and returns its result payload. Long-running
// handlers may report intermediate state via work.Report.
type Handler func(ctx context.Context, item work.Item) (json.RawMessage, error)

// Registry is a concurrency-safe mutable mapping looked up at dispatch time.
// The type set is open; a missing entry yields a terminal handler_missing
// error rather than a compile-time failure.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs an empty registry.
func New() *Registry {
	r := new(Registry)
	r.handlers = make(map[string]Handler)
	return r
}

// Register installs or replaces the handler for a work type.
func (r *Registry) Register(workType string, handler Handler) error {
	workType = strings.TrimSpace(workType)
	if workType == "" {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("work type required"))
	}
	if handler == nil {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	r.mu.Lock()
	r.handlers[workType] = handler
	r.mu.Unlock()
	return nil
}

// Unregister removes the handler for a work type if present.
func (r *Registry) Unregister(workType string) {
	r.mu.Lock()
	delete(r.handlers, strings.TrimSpace(workType))
	r.mu.Unlock()
}

// Resolve returns the handler for a work type.
func (r *Registry) Resolve(workType string) (Handler, error) {
	r.mu.RLock()
	handler, ok := r.handlers[strings.TrimSpace(workType)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("registry", errs.CodeHandlerMissing,
			errs.WithMessage("no handler registered for type "+workType))
	}
	return handler, nil
}

// Types returns the registered work types, unordered.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for workType := range r.handlers {
		out = append(out, workType)
	}
	return out
}
