// Package dispatcher owns the work item lifecycle: submission with durable
// deduplication, routing into priority-weighted partition mailboxes, guarded
// handler execution, cancellation and dead-lettering with replay.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/dedup"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/domain/workstore"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/observability"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/resilience"
	"github.com/conveyorhq/conveyor/internal/router"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

// Receipt acknowledges a submission. Duplicate receipts carry the id of the
// item that originally claimed the dedupe key.
type Receipt struct {
	ItemID    string `json:"itemId"`
	Duplicate bool   `json:"duplicate"`
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Router      *router.Router
	Registry    *registry.Registry
	Policy      *resilience.Policy
	Dedup       *dedup.Cache
	Work        workstore.Store
	DeadLetters dlqstore.Store
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to the process logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.log = logger
		}
	}
}

// WithTransport routes frames through the given transport instead of the
// default in-process loopback. The dispatcher installs itself as the
// receiving handler for in-process transports.
func WithTransport(tr transport.Transport) Option {
	return func(d *Dispatcher) {
		if tr != nil {
			d.transport = tr
		}
	}
}

type inflight struct {
	cancel    context.CancelFunc
	requested bool
}

// Dispatcher routes submitted items into partition mailboxes and drives each
// one through its handler under the resilience policy.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	router    *router.Router
	registry  *registry.Registry
	policy    *resilience.Policy
	dedup     *dedup.Cache
	work      workstore.Store
	dlq       dlqstore.Store
	transport transport.Transport
	progress  *progressHub
	metrics   *metrics
	log       observability.Logger

	base    context.Context
	stop    context.CancelFunc
	started bool

	mu        sync.Mutex
	mailboxes map[router.PartitionID]*mailbox
	running   map[string]*inflight
}

// New constructs a dispatcher. Call Start before submitting.
func New(cfg config.DispatcherConfig, deps Deps, opts ...Option) (*Dispatcher, error) {
	if deps.Router == nil || deps.Registry == nil || deps.Policy == nil ||
		deps.Dedup == nil || deps.Work == nil || deps.DeadLetters == nil {
		return nil, errs.New("dispatcher", errs.CodeInvalid,
			errs.WithMessage("router, registry, policy, dedup cache and stores are all required"))
	}
	d := &Dispatcher{
		cfg:       cfg,
		router:    deps.Router,
		registry:  deps.Registry,
		policy:    deps.Policy,
		dedup:     deps.Dedup,
		work:      deps.Work,
		dlq:       deps.DeadLetters,
		progress:  newProgressHub(cfg.ProgressBuffer),
		metrics:   newMetrics(),
		log:       observability.Log(),
		mailboxes: make(map[router.PartitionID]*mailbox),
		running:   make(map[string]*inflight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.transport == nil {
		d.transport = transport.NewInproc(nil)
	}
	if loop, ok := d.transport.(*transport.Inproc); ok {
		loop.SetHandler(d.Deliver)
	}
	return d, nil
}

// Start makes the dispatcher accept deliveries. The context bounds the
// lifetime of every mailbox drain loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errs.New("dispatcher", errs.CodeConflict, errs.WithMessage("already started"))
	}
	d.base, d.stop = context.WithCancel(ctx)
	d.started = true
	return nil
}

// Close stops the mailboxes and waits for in-flight handlers to settle.
// Items interrupted mid-handler stay in status processing and are picked up
// by Recover on the next start.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.stop()
	boxes := make([]*mailbox, 0, len(d.mailboxes))
	for _, box := range d.mailboxes {
		boxes = append(boxes, box)
	}
	d.mu.Unlock()
	for _, box := range boxes {
		box.wait()
	}
	return d.transport.Close()
}

// Submit validates the item, claims its dedupe key, persists it as queued and
// routes it to its partition mailbox. A duplicate submission returns the
// original item's receipt instead of an error.
func (d *Dispatcher) Submit(ctx context.Context, item work.Item) (Receipt, error) {
	if item.ID != "" {
		return Receipt{}, errs.New("dispatcher/submit", errs.CodeInvalid,
			errs.WithMessage("item id is assigned at submission"), errs.WithItemID(item.ID))
	}
	id, err := work.NewID()
	if err != nil {
		return Receipt{}, err
	}
	item.ID = id
	if item.Priority == "" {
		item.Priority = work.PriorityNormal
	}
	if err := item.Validate(); err != nil {
		return Receipt{}, err
	}

	if item.DedupeKey != "" {
		outcome, err := d.dedup.TryClaim(ctx, item.TenantID, item.DedupeKey, item.ID)
		if err != nil {
			return Receipt{}, err
		}
		if !outcome.Claimed {
			d.metrics.recordSubmitted(ctx, item, telemetry.ResultDuplicate)
			return Receipt{ItemID: outcome.Existing.Owner, Duplicate: true}, nil
		}
	}

	if err := d.work.Insert(ctx, item); err != nil {
		if item.DedupeKey != "" {
			_ = d.dedup.Release(ctx, item.TenantID, item.DedupeKey)
		}
		return Receipt{}, err
	}
	d.metrics.recordSubmitted(ctx, item, "accepted")

	if err := d.send(ctx, item); err != nil {
		// The item is durable as queued; Recover re-delivers it, so a
		// transient transport fault does not fail the submission.
		d.log.Error("deliver submitted item", observability.String("item", item.ID), observability.Err(err))
	}
	return Receipt{ItemID: item.ID}, nil
}

func (d *Dispatcher) send(ctx context.Context, item work.Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return errs.New("dispatcher/send", errs.CodeDeserialization,
			errs.WithItemID(item.ID), errs.WithCause(err))
	}
	frame := transport.Frame{
		Kind:      transport.FrameItem,
		Partition: d.router.Route(item),
		Body:      body,
	}
	return d.transport.Send(ctx, frame)
}

// Deliver is the transport handler: it decodes an item frame and enqueues the
// item on the partition mailbox named by the frame. Event frames are not this
// component's concern and are rejected.
func (d *Dispatcher) Deliver(_ context.Context, frame transport.Frame) error {
	if frame.Kind != transport.FrameItem {
		return errs.New("dispatcher/deliver", errs.CodeInvalid,
			errs.WithMessage("dispatcher only accepts item frames"))
	}
	var item work.Item
	if err := json.Unmarshal(frame.Body, &item); err != nil {
		return errs.New("dispatcher/deliver", errs.CodeDeserialization,
			errs.WithMessage("decode item frame"), errs.WithCause(err))
	}
	if err := item.Validate(); err != nil {
		return err
	}
	box, err := d.mailboxFor(frame.Partition)
	if err != nil {
		return err
	}
	return box.enqueue(item)
}

func (d *Dispatcher) mailboxFor(partition router.PartitionID) (*mailbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, errs.New("dispatcher", errs.CodeUnavailable, errs.WithMessage("dispatcher not started"))
	}
	box := d.mailboxes[partition]
	if box == nil {
		box = newMailbox(d.base, partition, d.cfg.MailboxBuffer, d.cfg.Concurrency, d.cfg.IdleTimeout, d.process)
		d.mailboxes[partition] = box
	}
	return box, nil
}

// process drives one item through its handler. It is the only writer of the
// processing, complete, failed and cancelled statuses.
func (d *Dispatcher) process(ctx context.Context, item work.Item) {
	rec, err := d.work.Get(ctx, item.ID)
	if err != nil {
		d.log.Error("load item for processing", observability.String("item", item.ID), observability.Err(err))
		return
	}
	if rec.Status != work.StatusQueued {
		// Redelivered or cancelled while queued elsewhere; at-least-once
		// delivery makes this path ordinary, not exceptional.
		return
	}
	ok, err := d.work.Transition(ctx, item.ID, work.StatusQueued, work.StatusProcessing, "picked up")
	if err != nil || !ok {
		return
	}
	if submitted := work.CreatedAt(item.ID); !submitted.IsZero() {
		d.metrics.recordWait(ctx, item,
			telemetry.AttrPartition.String(string(d.router.Route(item))),
			time.Since(submitted))
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := &inflight{cancel: cancel}
	d.mu.Lock()
	d.running[item.ID] = entry
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, item.ID)
		d.mu.Unlock()
	}()

	handler, err := d.registry.Resolve(item.Type)
	if err != nil {
		// Terminal before the first handler call still counts as an attempt.
		attempt := work.Attempt{Error: err.Error(), At: time.Now().UTC()}
		if _, recErr := d.work.RecordAttempt(ctx, item.ID, attempt); recErr != nil {
			d.log.Error("record attempt", observability.String("item", item.ID), observability.Err(recErr))
		}
		d.deadLetter(ctx, item, []work.Attempt{attempt}, err)
		return
	}

	var result json.RawMessage
	var attempts []work.Attempt
	started := time.Now()
	runErr := d.policy.Run(pctx, resilience.Invocation{
		TenantID:    item.TenantID,
		Operation:   "dispatch/" + item.Type,
		MaxAttempts: item.MaxAttempts,
		Attempt: func(actx context.Context) error {
			actx = work.ContextWithReporter(actx, d.progress.publish)
			out, err := handler(actx, item)
			if err != nil {
				return err
			}
			result = out
			return nil
		},
		OnFailure: func(_ int, err error) {
			attempt := work.Attempt{Error: err.Error(), At: time.Now().UTC()}
			attempts = append(attempts, attempt)
			if _, recErr := d.work.RecordAttempt(ctx, item.ID, attempt); recErr != nil {
				d.log.Error("record attempt", observability.String("item", item.ID), observability.Err(recErr))
			}
			d.metrics.recordRetry(ctx, item, err)
		},
	})
	elapsed := time.Since(started)

	switch {
	case runErr == nil:
		if err := d.work.RecordResult(ctx, item.ID, result); err != nil {
			d.log.Error("record result", observability.String("item", item.ID), observability.Err(err))
		}
		_, _ = d.work.Transition(ctx, item.ID, work.StatusProcessing, work.StatusComplete, "handler succeeded")
		if item.DedupeKey != "" {
			if err := d.dedup.MarkComplete(ctx, item.TenantID, item.DedupeKey, item.ID, result); err != nil {
				d.log.Error("mark dedup complete", observability.String("item", item.ID), observability.Err(err))
			}
		}
		d.metrics.recordOutcome(ctx, item, telemetry.ResultComplete, elapsed)
	case errors.Is(runErr, context.Canceled):
		if d.cancelRequested(entry) {
			_, _ = d.work.Transition(ctx, item.ID, work.StatusProcessing, work.StatusCancelled, "cancelled mid-flight")
			d.releaseClaim(ctx, item)
			d.metrics.recordOutcome(ctx, item, telemetry.ResultCancelled, elapsed)
			break
		}
		// Shutdown interrupt: leave the item in processing so Recover
		// re-queues it on the next start.
		return
	default:
		d.deadLetter(ctx, item, attempts, runErr)
	}
	d.progress.closeItem(item.ID)
}

func (d *Dispatcher) cancelRequested(entry *inflight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return entry.requested
}

func (d *Dispatcher) releaseClaim(ctx context.Context, item work.Item) {
	if item.DedupeKey == "" {
		return
	}
	if err := d.dedup.Release(ctx, item.TenantID, item.DedupeKey); err != nil {
		d.log.Error("release dedup claim", observability.String("item", item.ID), observability.Err(err))
	}
}

// deadLetter records the failed item in the dead letter queue and marks it
// failed. The dedupe claim is released so corrected resubmissions and replays
// can claim the key again.
func (d *Dispatcher) deadLetter(ctx context.Context, item work.Item, attempts []work.Attempt, cause error) {
	reason := deadLetterReason(cause)
	entryID, err := work.NewID()
	if err != nil {
		d.log.Error("mint dead letter id", observability.String("item", item.ID), observability.Err(err))
		return
	}
	entry := dlqstore.Entry{
		ID:          entryID,
		ItemID:      item.ID,
		TenantID:    item.TenantID,
		ItemType:    item.Type,
		Priority:    item.Priority,
		Payload:     item.Payload,
		DedupeKey:   item.DedupeKey,
		ErrorReason: reason,
		Attempts:    attempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.dlq.Insert(ctx, entry); err != nil {
		d.log.Error("insert dead letter", observability.String("item", item.ID), observability.Err(err))
		return
	}
	_, _ = d.work.Transition(ctx, item.ID, work.StatusProcessing, work.StatusFailed, "dead-lettered: "+string(reason))
	d.releaseClaim(ctx, item)
	d.metrics.recordDeadLetter(ctx, item, string(reason))
	d.log.Info("item dead-lettered",
		observability.String("item", item.ID),
		observability.String("tenant", item.TenantID),
		observability.String("reason", string(reason)))
}

// deadLetterReason unwraps a retry exhaustion envelope to the code of the
// final failure so replay policy can distinguish a persistently unavailable
// downstream from a genuinely terminal error.
func deadLetterReason(err error) errs.Code {
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

// Status returns the caller-visible view of a work item.
func (d *Dispatcher) Status(ctx context.Context, itemID string) (work.ItemStatus, error) {
	rec, err := d.work.Get(ctx, itemID)
	if err != nil {
		return work.ItemStatus{}, err
	}
	return rec.View(), nil
}

// Cancel stops a queued item outright and requests cooperative interruption
// of a processing one. Terminal items report already_cancelled when already
// cancelled and a conflict otherwise.
func (d *Dispatcher) Cancel(ctx context.Context, itemID string) error {
	rec, err := d.work.Get(ctx, itemID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case work.StatusCancelled:
		return errs.New("dispatcher/cancel", errs.CodeAlreadyCancelled,
			errs.WithItemID(itemID), errs.WithMessage("item already cancelled"))
	case work.StatusComplete, work.StatusFailed:
		return errs.New("dispatcher/cancel", errs.CodeConflict,
			errs.WithItemID(itemID), errs.WithMessage("item already finished as "+string(rec.Status)))
	case work.StatusQueued:
		ok, err := d.work.Transition(ctx, itemID, work.StatusQueued, work.StatusCancelled, "cancelled before pickup")
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race with pickup; fall through to the processing path.
			return d.cancelProcessing(itemID)
		}
		d.releaseClaim(ctx, rec.Item)
		d.metrics.recordOutcome(ctx, rec.Item, telemetry.ResultCancelled, 0)
		d.progress.closeItem(itemID)
		return nil
	case work.StatusProcessing:
		return d.cancelProcessing(itemID)
	}
	return errs.New("dispatcher/cancel", errs.CodeInternal,
		errs.WithItemID(itemID), errs.WithMessage("unknown status "+string(rec.Status)))
}

func (d *Dispatcher) cancelProcessing(itemID string) error {
	d.mu.Lock()
	entry := d.running[itemID]
	if entry != nil {
		entry.requested = true
	}
	d.mu.Unlock()
	if entry == nil {
		return errs.New("dispatcher/cancel", errs.CodeConflict,
			errs.WithItemID(itemID), errs.WithMessage("item is processing but not held by this node"))
	}
	entry.cancel()
	return nil
}

// Recover re-delivers items stranded by a crash: anything still queued is
// re-sent, anything left processing is first reset to queued. Handlers must
// tolerate at-least-once execution. Returns the number of items re-delivered.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	batch := d.cfg.RecoveryBatch
	if batch <= 0 {
		batch = 256
	}
	records, err := d.work.ListRecoverable(ctx, batch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range records {
		if rec.Status == work.StatusProcessing {
			ok, err := d.work.Transition(ctx, rec.Item.ID, work.StatusProcessing, work.StatusQueued, "recovered")
			if err != nil || !ok {
				continue
			}
		}
		if err := d.send(ctx, rec.Item); err != nil {
			d.log.Error("re-deliver recovered item",
				observability.String("item", rec.Item.ID), observability.Err(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		d.log.Info("recovered stranded items", observability.Int("count", recovered))
	}
	return recovered, nil
}

// DeadLetters lists unreplayed dead-letter entries, oldest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, filter dlqstore.Filter) ([]dlqstore.Entry, error) {
	return d.dlq.ListPending(ctx, filter)
}

// Replay resubmits a dead-lettered item as a fresh work item. The entry is
// stamped replayed exactly once; a second replay of the same entry conflicts.
// The new item keeps the payload and dedupe key, runs at normal priority and
// records the dead item as its causation.
func (d *Dispatcher) Replay(ctx context.Context, entryID string) (Receipt, error) {
	entry, err := d.dlq.Get(ctx, entryID)
	if err != nil {
		return Receipt{}, err
	}
	ok, err := d.dlq.MarkReplayed(ctx, entryID, time.Now().UTC())
	if err != nil {
		return Receipt{}, err
	}
	if !ok {
		return Receipt{}, errs.New("dispatcher/replay", errs.CodeConflict,
			errs.WithItemID(entry.ItemID), errs.WithMessage("dead letter already replayed"))
	}
	return d.resubmit(ctx, entry)
}

func (d *Dispatcher) resubmit(ctx context.Context, entry dlqstore.Entry) (Receipt, error) {
	return d.Submit(ctx, work.Item{
		TenantID:    entry.TenantID,
		Type:        entry.ItemType,
		Payload:     entry.Payload,
		Priority:    work.PriorityNormal,
		DedupeKey:   entry.DedupeKey,
		CausationID: entry.ItemID,
	})
}

// SubscribeProgress streams handler progress events for one item. The channel
// closes when the item reaches a terminal status or cancel is called.
func (d *Dispatcher) SubscribeProgress(itemID string) (<-chan work.ProgressEvent, func()) {
	return d.progress.subscribe(itemID)
}

// MailboxDepth reports the queue depth of one partition, zero when the
// mailbox has never been activated.
func (d *Dispatcher) MailboxDepth(partition router.PartitionID) int {
	d.mu.Lock()
	box := d.mailboxes[partition]
	d.mu.Unlock()
	if box == nil {
		return 0
	}
	return box.depth()
}
