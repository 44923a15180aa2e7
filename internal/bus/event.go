package bus

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// Event is a typed domain event flowing through the bus. The ID is a
// time-ordered identifier assigned at emission; Seq is the outbox log
// position assigned when the event is durably recorded.
type Event struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Seq           int64           `json:"seq,omitempty"`
}

// Handler consumes one delivered event.
type Handler func(ctx context.Context, evt Event) error

// Meta carries trace-linking metadata inherited by emitted events.
type Meta struct {
	CorrelationID string
	CausationID   string
}

type metaKey struct{}

// ContextWithMeta attaches correlation metadata that Emit inherits when the
// event itself carries none.
func ContextWithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the attached metadata, zero when absent.
func MetaFromContext(ctx context.Context) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	return meta
}

// normalise mints the id, fills inherited metadata and validates the event.
func normalise(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		id, err := work.NewID()
		if err != nil {
			return Event{}, err
		}
		evt.ID = id
	}
	meta := MetaFromContext(ctx)
	if evt.CorrelationID == "" {
		evt.CorrelationID = meta.CorrelationID
	}
	if evt.CausationID == "" {
		evt.CausationID = meta.CausationID
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return Event{}, errs.New("bus/emit", errs.CodeInvalid,
			errs.WithMessage("tenant id required"), errs.WithItemID(evt.ID))
	}
	if strings.TrimSpace(evt.Type) == "" {
		return Event{}, errs.New("bus/emit", errs.CodeInvalid,
			errs.WithMessage("event type required"), errs.WithItemID(evt.ID))
	}
	return evt, nil
}

func toOutbox(evt Event) outboxstore.Event {
	return outboxstore.Event{
		EventID:       evt.ID,
		TenantID:      evt.TenantID,
		EventType:     evt.Type,
		AggregateID:   evt.AggregateID,
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
		Payload:       evt.Payload,
	}
}

func fromRecord(rec outboxstore.Record) Event {
	return Event{
		ID:            rec.Event.EventID,
		TenantID:      rec.Event.TenantID,
		Type:          rec.Event.EventType,
		AggregateID:   rec.Event.AggregateID,
		CorrelationID: rec.Event.CorrelationID,
		CausationID:   rec.Event.CausationID,
		Payload:       rec.Event.Payload,
		Seq:           rec.Seq,
	}
}
