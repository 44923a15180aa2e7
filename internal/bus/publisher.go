package bus

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/observability"
)

// runPublisher drains committed pending outbox rows on a fixed cadence. Rows
// are walked in log order; a row that fails to broadcast is rescheduled with
// backoff and terminally failed after the configured number of tries.
func (b *Bus) runPublisher(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.publishPending(ctx); err != nil && ctx.Err() == nil {
				b.log.Error("publish pending outbox rows", observability.Err(err))
			}
		}
	}
}

func (b *Bus) publishPending(ctx context.Context) error {
	records, err := b.outbox.ListPending(ctx, b.cfg.PublishBatch)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		evt := fromRecord(rec)
		if err := b.broadcast(ctx, evt); err != nil {
			b.recordPublishFailure(ctx, rec, err)
			continue
		}
		b.fanoutLive(ctx, evt)
		if err := b.outbox.MarkPublished(ctx, rec.Seq); err != nil {
			// A peer won the row; its broadcast reaches our subscribers and
			// dedup collapses the overlap.
			b.log.Debug("mark published lost race",
				observability.String("event", evt.ID), observability.Err(err))
			continue
		}
		b.metrics.add(ctx, b.metrics.published, evt.Type)
		b.metrics.recordLag(ctx, evt.Type, time.Since(rec.CreatedAt).Seconds())
		b.wakeDurable()
	}
	return nil
}

func (b *Bus) broadcast(ctx context.Context, evt Event) error {
	if b.transport == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return errs.New("bus/broadcast", errs.CodeDeserialization,
			errs.WithItemID(evt.ID), errs.WithCause(err))
	}
	return b.transport.Broadcast(ctx, transport.Frame{Kind: transport.FrameEvent, Body: body})
}

func (b *Bus) recordPublishFailure(ctx context.Context, rec outboxstore.Record, cause error) {
	attempts := rec.Attempts + 1
	if attempts >= b.cfg.MaxPublishTries {
		if err := b.outbox.MarkFailed(ctx, rec.Seq, cause.Error()); err != nil {
			b.log.Error("mark outbox row failed",
				observability.String("event", rec.Event.EventID), observability.Err(err))
			return
		}
		b.log.Error("outbox row terminally failed",
			observability.String("event", rec.Event.EventID),
			observability.Int("attempts", attempts), observability.Err(cause))
		return
	}
	retryAt := time.Now().Add(publishBackoff(attempts))
	if err := b.outbox.MarkAttemptFailed(ctx, rec.Seq, cause.Error(), retryAt); err != nil {
		b.log.Error("record publish attempt",
			observability.String("event", rec.Event.EventID), observability.Err(err))
	}
}

// publishBackoff doubles from one second per attempt, capped at a minute.
func publishBackoff(attempts int) time.Duration {
	d := time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= time.Minute {
			return time.Minute
		}
	}
	return d
}

// fanoutLive delivers one event to every matching ephemeral subscription's
// buffer, in parallel so one full buffer does not starve the others.
func (b *Bus) fanoutLive(ctx context.Context, evt Event) {
	subs := b.matching(evt.Type, false)
	if len(subs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FanoutWorkers.Resolve())
	for _, s := range subs {
		g.Go(func() error {
			select {
			case s.ch <- evt:
			case <-s.ctx.Done():
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		b.log.Error("fan out event", observability.String("event", evt.ID), observability.Err(err))
	}
}

func decodeEvent(body json.RawMessage) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, errs.New("bus/frame", errs.CodeDeserialization,
			errs.WithMessage("decode event frame"), errs.WithCause(err))
	}
	if evt.ID == "" || evt.TenantID == "" || evt.Type == "" {
		return Event{}, errs.New("bus/frame", errs.CodeInvalid,
			errs.WithMessage("event frame missing id, tenant or type"))
	}
	return evt, nil
}
