// Package transport abstracts how routed frames reach their partition owner.
// A single-node deployment uses the in-process transport; clustered peers can
// exchange the same frames over the websocket adapter.
package transport

import (
	"context"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/router"
)

// FrameKind discriminates wire frames.
type FrameKind string

const (
	// FrameItem carries a routed work item destined for one partition.
	FrameItem FrameKind = "item"
	// FrameEvent carries a published event broadcast to every peer.
	FrameEvent FrameKind = "event"
)

// Frame is the unit crossing the transport.
type Frame struct {
	Kind      FrameKind          `json:"kind"`
	Partition router.PartitionID `json:"partition,omitempty"`
	Body      json.RawMessage    `json:"body"`
}

// Validate checks the frame shape before it is sent.
func (f Frame) Validate() error {
	switch f.Kind {
	case FrameItem:
		if strings.TrimSpace(string(f.Partition)) == "" {
			return errs.New("transport", errs.CodeInvalid, errs.WithMessage("item frame requires a partition"))
		}
	case FrameEvent:
	default:
		return errs.New("transport", errs.CodeInvalid, errs.WithMessage("unknown frame kind: "+string(f.Kind)))
	}
	if len(f.Body) == 0 {
		return errs.New("transport", errs.CodeInvalid, errs.WithMessage("frame body required"))
	}
	return nil
}

// Handler consumes frames arriving over a transport.
type Handler func(ctx context.Context, frame Frame) error

// Transport delivers frames. Send targets the frame's partition owner;
// Broadcast reaches every peer.
type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Broadcast(ctx context.Context, frame Frame) error
	Close() error
}

// Inproc delivers frames to a local handler synchronously. It is the
// single-node transport and the loopback peer in tests.
type Inproc struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// NewInproc constructs an in-process transport delivering to handler.
func NewInproc(handler Handler) *Inproc {
	return &Inproc{handler: handler}
}

// SetHandler replaces the receiving handler.
func (t *Inproc) SetHandler(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send delivers the frame to the local handler.
func (t *Inproc) Send(ctx context.Context, frame Frame) error {
	return t.deliver(ctx, frame)
}

// Broadcast delivers the frame to the local handler; there are no peers.
func (t *Inproc) Broadcast(ctx context.Context, frame Frame) error {
	return t.deliver(ctx, frame)
}

func (t *Inproc) deliver(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	t.mu.RLock()
	handler := t.handler
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errs.New("transport", errs.CodeUnavailable, errs.WithMessage("transport closed"))
	}
	if handler == nil {
		return errs.New("transport", errs.CodeUnavailable, errs.WithMessage("no frame handler installed"))
	}
	if err := handler(ctx, frame); err != nil {
		return errs.New("transport", errs.CodeDeliveryFailed,
			errs.WithMessage("deliver frame"), errs.WithCause(err))
	}
	return nil
}

// Close marks the transport unusable.
func (t *Inproc) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

var _ Transport = (*Inproc)(nil)
