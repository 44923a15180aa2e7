// Package bus is the transactional-outbox event bus: typed, at-least-once,
// deduplicated publish/subscribe with durable subscriber positions and replay
// from the retained event log.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/dedup"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
	"github.com/conveyorhq/conveyor/internal/domain/substore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/observability"
	"github.com/conveyorhq/conveyor/internal/resilience"
)

// Deps wires the bus's collaborators.
type Deps struct {
	Outbox      outboxstore.Store
	Positions   substore.Store
	DeadLetters dlqstore.Store
	Dedup       *dedup.Cache
	Policy      *resilience.Policy
}

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the logger. Defaults to the process logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.log = logger
		}
	}
}

// WithTransport broadcasts published events to cluster peers in addition to
// local fan-out. Incoming peer frames are fed back through HandleFrame.
func WithTransport(tr transport.Transport) Option {
	return func(b *Bus) {
		b.transport = tr
	}
}

// SetTransport installs the peer transport after construction, for callers
// that dial the peer with a handler that needs the constructed bus. It has no
// effect once the bus has started.
func (b *Bus) SetTransport(tr transport.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.transport = tr
}

// Bus is the event bus. Emit writes to the outbox inside the caller's
// transaction; a background publisher drains committed rows and fans them out
// to subscribers and peers.
type Bus struct {
	cfg       config.BusConfig
	outbox    outboxstore.Store
	positions substore.Store
	dlq       dlqstore.Store
	dedup     *dedup.Cache
	policy    *resilience.Policy
	transport transport.Transport
	limiter   *rate.Limiter
	metrics   *busMetrics
	log       observability.Logger

	base    context.Context
	stop    context.CancelFunc
	started bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New constructs a bus. Call Start before emitting or subscribing.
func New(cfg config.BusConfig, deps Deps, opts ...Option) (*Bus, error) {
	if deps.Outbox == nil || deps.Positions == nil || deps.DeadLetters == nil ||
		deps.Dedup == nil || deps.Policy == nil {
		return nil, errs.New("bus", errs.CodeInvalid,
			errs.WithMessage("outbox, positions, dead letters, dedup cache and policy are all required"))
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 250 * time.Millisecond
	}
	if cfg.PublishBatch <= 0 {
		cfg.PublishBatch = 128
	}
	if cfg.MaxPublishTries <= 0 {
		cfg.MaxPublishTries = 8
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	b := &Bus{
		cfg:       cfg,
		outbox:    deps.Outbox,
		positions: deps.Positions,
		dlq:       deps.DeadLetters,
		dedup:     deps.Dedup,
		policy:    deps.Policy,
		metrics:   newBusMetrics(),
		log:       observability.Log(),
		subs:      make(map[string]*Subscription),
	}
	if cfg.PublishRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBatch)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Start launches the outbox publisher.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errs.New("bus", errs.CodeConflict, errs.WithMessage("already started"))
	}
	b.base, b.stop = context.WithCancel(ctx)
	b.started = true
	b.wg.Add(1)
	go b.runPublisher(b.base)
	return nil
}

// Close stops the publisher and every subscription worker.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.stop()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	b.wg.Wait()
	return nil
}

// Emit records one or more events in the outbox. When the context carries a
// transaction the writes join it and only become visible after commit. Emit
// returns as soon as the events are durably recorded; it never waits for
// delivery.
func (b *Bus) Emit(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return errs.New("bus/emit", errs.CodeInvalid, errs.WithMessage("no events"))
	}
	for _, evt := range events {
		normalised, err := normalise(ctx, evt)
		if err != nil {
			return err
		}
		if _, err := b.outbox.Enqueue(ctx, toOutbox(normalised)); err != nil {
			return errs.New("bus/emit", errs.CodeUnavailable,
				errs.WithTenant(normalised.TenantID), errs.WithItemID(normalised.ID),
				errs.WithMessage("enqueue outbox row"), errs.WithCause(err))
		}
		b.metrics.add(ctx, b.metrics.emitted, normalised.Type)
	}
	return nil
}

// Subscribe registers a handler for an event type. Subscriptions are durable
// by default: the position survives restarts and delivery resumes from the
// last acknowledged sequence. Durable subscriptions sharing a name share a
// position; give each independent consumer its own name.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if eventType == "" {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if handler == nil {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	options := subscribeOptions{name: eventType}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus not started"))
	}
	if _, exists := b.subs[options.name]; exists {
		b.mu.Unlock()
		return nil, errs.New("bus/subscribe", errs.CodeConflict,
			errs.WithMessage("subscription name already in use: "+options.name))
	}
	base := b.base
	b.mu.Unlock()

	s := &Subscription{
		bus:       b,
		name:      options.name,
		eventType: eventType,
		durable:   !options.ephemeral,
		pred:      options.pred,
		handler:   handler,
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(base)

	if s.durable {
		head, err := b.outbox.Head(s.ctx)
		if err != nil {
			s.cancel()
			return nil, errs.New("bus/subscribe", errs.CodeUnavailable,
				errs.WithMessage("read log head"), errs.WithCause(err))
		}
		pos, err := b.positions.Ensure(s.ctx, s.name, eventType, head)
		if err != nil {
			s.cancel()
			return nil, errs.New("bus/subscribe", errs.CodeUnavailable,
				errs.WithMessage("ensure subscription position"), errs.WithCause(err))
		}
		s.lastSeq = pos.LastSeq
		s.notify = make(chan struct{}, 1)
	} else {
		s.ch = make(chan Event, b.cfg.BufferSize)
	}

	b.mu.Lock()
	if _, exists := b.subs[options.name]; exists {
		b.mu.Unlock()
		s.cancel()
		return nil, errs.New("bus/subscribe", errs.CodeConflict,
			errs.WithMessage("subscription name already in use: "+options.name))
	}
	b.subs[options.name] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go s.run()
	return s, nil
}

// ReplayRequest selects a slice of the published event log for redelivery.
type ReplayRequest struct {
	// SinceSeq is a publish position, exclusive; zero replays from the
	// beginning of the published log.
	SinceSeq int64
	// Until bounds the window by enqueue time; zero means no bound.
	Until time.Time
	// Limit caps the number of events examined; zero uses the publish batch.
	Limit int
}

// Replay redelivers published events to every current subscription. Delivery
// goes through the normal dedup path, so subscribers that already processed
// an event observe a no-op. Returns the number of events examined.
func (b *Bus) Replay(ctx context.Context, req ReplayRequest) (int, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = b.cfg.PublishBatch
	}
	records, err := b.outbox.ListPublished(ctx, req.SinceSeq, req.Until, limit)
	if err != nil {
		return 0, errs.New("bus/replay", errs.CodeUnavailable,
			errs.WithMessage("read event log"), errs.WithCause(err))
	}
	for _, rec := range records {
		evt := fromRecord(rec)
		for _, s := range b.matching(evt.Type, true) {
			b.handle(ctx, s, evt)
		}
	}
	return len(records), nil
}

// Log reads the raw outbox log by insert sequence, any publication status.
// This is the inspection surface for operators chasing pending or terminally
// failed rows; consumers follow the published log instead.
func (b *Bus) Log(ctx context.Context, sinceSeq int64, until time.Time, limit int) ([]outboxstore.Record, error) {
	if limit <= 0 {
		limit = b.cfg.PublishBatch
	}
	records, err := b.outbox.ListRange(ctx, sinceSeq, until, limit)
	if err != nil {
		return nil, errs.New("bus/log", errs.CodeUnavailable,
			errs.WithMessage("read event log"), errs.WithCause(err))
	}
	return records, nil
}

// HandleFrame consumes event frames arriving from cluster peers and fans
// them out to local ephemeral subscribers. Durable subscribers read the
// shared log directly and need no frame path.
func (b *Bus) HandleFrame(ctx context.Context, frame transport.Frame) error {
	if frame.Kind != transport.FrameEvent {
		return errs.New("bus/frame", errs.CodeInvalid,
			errs.WithMessage("bus only accepts event frames"))
	}
	evt, err := decodeEvent(frame.Body)
	if err != nil {
		return err
	}
	b.fanoutLive(ctx, evt)
	return nil
}

// matching snapshots the subscriptions for an event type. includeDurable is
// false on the live path, where durable subscribers follow the log instead.
func (b *Bus) matching(eventType string, includeDurable bool) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType != eventType {
			continue
		}
		if s.durable && !includeDurable {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if b.subs[s.name] == s {
		delete(b.subs, s.name)
	}
	b.mu.Unlock()
}

func (b *Bus) wakeDurable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.notify == nil {
			continue
		}
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// handle drives one delivery: dedup claim, payload filter, guarded handler
// execution, dead-lettering on exhaustion.
func (b *Bus) handle(ctx context.Context, s *Subscription, evt Event) {
	claimKey := "sub/" + s.name + "/" + evt.ID
	outcome, err := b.dedup.TryClaim(ctx, evt.TenantID, claimKey, evt.ID)
	if err != nil {
		// At-least-once: an unreachable dedup tier must not turn into
		// zero-times delivery.
		b.log.Error("dedup claim for delivery",
			observability.String("subscription", s.name),
			observability.String("event", evt.ID), observability.Err(err))
	} else if !outcome.Claimed {
		b.metrics.add(ctx, b.metrics.duplicates, evt.Type)
		return
	}

	if s.pred != nil {
		match, ferr := s.pred.Match(evt.Type, evt.Payload)
		if ferr != nil {
			b.deadLetterEvent(ctx, s, evt, nil, errs.New("bus/filter", errs.CodeDeserialization,
				errs.WithTenant(evt.TenantID), errs.WithItemID(evt.ID),
				errs.WithMessage("evaluate subscription filter"), errs.WithCause(ferr)))
			return
		}
		if !match {
			b.completeClaim(ctx, evt, claimKey)
			return
		}
	}

	var attempts []work.Attempt
	runErr := b.policy.Run(ctx, resilience.Invocation{
		TenantID:  evt.TenantID,
		Operation: "deliver/" + s.name,
		Attempt: func(actx context.Context) error {
			return s.handler(actx, evt)
		},
		OnFailure: func(_ int, err error) {
			attempts = append(attempts, work.Attempt{Error: err.Error(), At: time.Now().UTC()})
		},
	})
	switch {
	case runErr == nil:
		b.completeClaim(ctx, evt, claimKey)
		b.metrics.add(ctx, b.metrics.delivered, evt.Type)
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		// Shutdown interrupt: release the claim so a later redelivery
		// reprocesses the event.
		b.releaseClaim(context.WithoutCancel(ctx), evt, claimKey)
	default:
		b.deadLetterEvent(ctx, s, evt, attempts, runErr)
	}
}

func (b *Bus) completeClaim(ctx context.Context, evt Event, claimKey string) {
	if err := b.dedup.MarkComplete(ctx, evt.TenantID, claimKey, evt.ID, nil); err != nil {
		b.log.Error("mark delivery complete",
			observability.String("event", evt.ID), observability.Err(err))
	}
}

func (b *Bus) releaseClaim(ctx context.Context, evt Event, claimKey string) {
	if err := b.dedup.Release(ctx, evt.TenantID, claimKey); err != nil {
		b.log.Error("release delivery claim",
			observability.String("event", evt.ID), observability.Err(err))
	}
}

// deadLetterEvent records a failed delivery for audit and operator replay. A
// failure to write the record is logged as its own alert, never raised.
func (b *Bus) deadLetterEvent(ctx context.Context, s *Subscription, evt Event, attempts []work.Attempt, cause error) {
	reason := deliveryReason(cause)
	entryID, err := work.NewID()
	if err != nil {
		b.log.Error("mint dead letter id", observability.String("event", evt.ID), observability.Err(err))
		return
	}
	entry := dlqstore.Entry{
		ID:          entryID,
		ItemID:      evt.ID,
		TenantID:    evt.TenantID,
		ItemType:    evt.Type,
		Priority:    work.PriorityNormal,
		Payload:     evt.Payload,
		ErrorReason: reason,
		Attempts:    attempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := b.dlq.Insert(ctx, entry); err != nil {
		b.log.Error("dead letter write failed",
			observability.String("subscription", s.name),
			observability.String("event", evt.ID), observability.Err(err))
		return
	}
	b.releaseClaim(ctx, evt, "sub/"+s.name+"/"+evt.ID)
	b.metrics.add(ctx, b.metrics.failures, evt.Type)
	b.log.Info("event delivery dead-lettered",
		observability.String("subscription", s.name),
		observability.String("event", evt.ID),
		observability.String("reason", string(reason)))
}

// deliveryReason unwraps a retry exhaustion envelope to the final failure's
// code, mirroring the dispatcher's dead-letter classification.
func deliveryReason(err error) errs.Code {
	code := errs.CodeOf(err)
	if code != errs.CodeMaxRetries {
		return code
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		if cause := envelope.Unwrap(); cause != nil {
			return errs.CodeOf(cause)
		}
	}
	return code
}
