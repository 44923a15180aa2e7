package bus

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/filter"
	"github.com/conveyorhq/conveyor/internal/observability"
)

type subscribeOptions struct {
	name      string
	ephemeral bool
	pred      filter.Predicate
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

// WithName names the subscription. Durable positions are keyed by name; the
// default is the event type.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// Ephemeral opts out of durability: delivery starts from now and the
// position is lost when the subscription closes.
func Ephemeral() SubscribeOption {
	return func(o *subscribeOptions) {
		o.ephemeral = true
	}
}

// WithFilter adds a payload predicate evaluated after type dispatch. Events
// the predicate rejects are acknowledged without invoking the handler.
func WithFilter(pred filter.Predicate) SubscribeOption {
	return func(o *subscribeOptions) {
		o.pred = pred
	}
}

// Subscription is a live handler registration. Durable subscriptions follow
// the outbox log sequentially and persist their position after each event;
// ephemeral ones receive published events over an in-process channel.
type Subscription struct {
	bus       *Bus
	name      string
	eventType string
	durable   bool
	pred      filter.Predicate
	handler   Handler

	ch     chan Event
	notify chan struct{}
	// lastSeq is the publish position, not the insert sequence: a row whose
	// transaction commits late still publishes past every position already
	// acknowledged, so it is never skipped.
	lastSeq int64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Durable reports whether the position survives restarts.
func (s *Subscription) Durable() bool { return s.durable }

// Close stops delivery and releases the subscription name. A durable
// position survives for the next subscriber with the same name.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.bus.remove(s)
	})
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	defer close(s.done)
	if s.durable {
		s.runDurable()
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.ch:
			s.bus.handle(s.ctx, s, evt)
		}
	}
}

// runDurable tails the published event log from the stored position. Reading
// the log directly, rather than the live fan-out, is what makes resumption
// and per-subscriber total order trivial.
func (s *Subscription) runDurable() {
	ticker := time.NewTicker(s.bus.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		s.drainLog()
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		case <-ticker.C:
		}
	}
}

func (s *Subscription) drainLog() {
	for {
		records, err := s.bus.outbox.ListPublished(s.ctx, s.lastSeq, time.Time{}, s.bus.cfg.PublishBatch)
		if err != nil {
			if s.ctx.Err() == nil {
				s.bus.log.Error("read event log",
					observability.String("subscription", s.name), observability.Err(err))
			}
			return
		}
		if len(records) == 0 {
			return
		}
		for _, rec := range records {
			if s.ctx.Err() != nil {
				return
			}
			evt := fromRecord(rec)
			if evt.Type == s.eventType {
				s.bus.handle(s.ctx, s, evt)
			}
			if s.ctx.Err() != nil {
				// Interrupted mid-event; do not advance past it.
				return
			}
			s.lastSeq = rec.PubSeq
			if err := s.bus.positions.Ack(s.ctx, s.name, rec.PubSeq); err != nil {
				// The in-memory position keeps this session moving; a restart
				// re-reads from the last durable ack and dedup absorbs it.
				s.bus.log.Error("ack subscription position",
					observability.String("subscription", s.name), observability.Err(err))
			}
		}
		if len(records) < s.bus.cfg.PublishBatch {
			return
		}
	}
}
