// Package conveyor wires the dispatch core into a single embeddable runtime:
// priority-routed mailboxes, idempotent submission, retry and circuit-breaker
// protection, a dead-letter queue with replay, and a transactional outbox
// event bus with durable subscriptions.
package conveyor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/bus"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/dedup"
	"github.com/conveyorhq/conveyor/internal/dispatcher"
	"github.com/conveyorhq/conveyor/internal/domain/dedupstore"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
	"github.com/conveyorhq/conveyor/internal/domain/substore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/domain/workstore"
	"github.com/conveyorhq/conveyor/internal/infra/persistence/memory"
	"github.com/conveyorhq/conveyor/internal/infra/persistence/postgres"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/infra/transport/ws"
	"github.com/conveyorhq/conveyor/internal/observability"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/resilience"
	"github.com/conveyorhq/conveyor/internal/router"
)

// Stores bundles the persistence interfaces the core depends on. Use
// MemoryStores for tests and single-process embedding, PostgresStores for
// durable deployments.
type Stores struct {
	Work        workstore.Store
	Outbox      outboxstore.Store
	DeadLetters dlqstore.Store
	DedupClaims dedupstore.Store
	Positions   substore.Store
}

func (s Stores) validate() error {
	if s.Work == nil || s.Outbox == nil || s.DeadLetters == nil ||
		s.DedupClaims == nil || s.Positions == nil {
		return errs.New("conveyor", errs.CodeInvalid,
			errs.WithMessage("all five stores are required"))
	}
	return nil
}

// MemoryStores returns a fresh in-memory store set sharing one backing store,
// so outbox writes join work-item transactions.
func MemoryStores() Stores {
	store := memory.NewStore()
	return Stores{
		Work:        store.WorkItems(),
		Outbox:      store.Outbox(),
		DeadLetters: store.DeadLetters(),
		DedupClaims: store.DedupClaims(),
		Positions:   store.Subscriptions(),
	}
}

// PostgresStores returns the PostgreSQL-backed store set over the pool.
func PostgresStores(pool *pgxpool.Pool) Stores {
	store := postgres.New(pool)
	return Stores{
		Work:        store.WorkItems(),
		Outbox:      store.Outbox(),
		DeadLetters: store.DeadLetters(),
		DedupClaims: store.DedupClaims(),
		Positions:   store.Subscriptions(),
	}
}

// Option customises a Core.
type Option func(*Core)

// WithLogger sets the logger shared by every component.
func WithLogger(logger observability.Logger) Option {
	return func(c *Core) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithNodeID fixes the node identity used for dedup claim ownership. Defaults
// to a random UUID per process.
func WithNodeID(id string) Option {
	return func(c *Core) {
		if strings.TrimSpace(id) != "" {
			c.nodeID = id
		}
	}
}

// WithPeerTransport replaces the websocket peer configured in
// TransportConfig, for hosts that manage their own connections. Incoming
// frames should be routed to HandleFrame.
func WithPeerTransport(tr transport.Transport) Option {
	return func(c *Core) { c.peerTransport = tr }
}

// Core is the assembled dispatch runtime. Construct with New, call Start,
// register handlers and subscriptions, and Close on shutdown.
type Core struct {
	cfg    config.AppConfig
	log    observability.Logger
	nodeID string

	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	replayer   *dispatcher.Replayer

	peerTransport transport.Transport
	peer          *ws.Peer
}

// New assembles the core from configuration and stores. When
// TransportConfig.PeerURL is set it dials the peer before returning, so a
// constructed Core is already receiving cluster frames.
func New(cfg config.AppConfig, stores Stores, opts ...Option) (*Core, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	c := &Core{
		cfg:    cfg,
		log:    observability.Log(),
		nodeID: uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	rt, err := router.New(cfg.Router.Weights())
	if err != nil {
		return nil, err
	}
	cache, err := dedup.NewCache(cfg.Dedup.Cache(), stores.DedupClaims, c.nodeID)
	if err != nil {
		return nil, err
	}
	policy := resilience.NewPolicy(cfg.Resilience.Policy())
	c.registry = registry.New()

	c.dispatcher, err = dispatcher.New(cfg.Dispatcher, dispatcher.Deps{
		Router:      rt,
		Registry:    c.registry,
		Policy:      policy,
		Dedup:       cache,
		Work:        stores.Work,
		DeadLetters: stores.DeadLetters,
	}, dispatcher.WithLogger(c.log))
	if err != nil {
		return nil, err
	}

	c.bus, err = bus.New(cfg.Bus, bus.Deps{
		Outbox:      stores.Outbox,
		Positions:   stores.Positions,
		DeadLetters: stores.DeadLetters,
		Dedup:       cache,
		Policy:      policy,
	}, bus.WithLogger(c.log))
	if err != nil {
		return nil, err
	}

	c.replayer, err = dispatcher.NewReplayer(cfg.Replay, c.dispatcher, c.log)
	if err != nil {
		return nil, err
	}

	// The peer is dialed last so HandleFrame already has a fully wired core
	// behind it when the first frame arrives.
	if c.peerTransport == nil && cfg.Transport.PeerURL != "" {
		peer, err := ws.Dial(context.Background(), cfg.Transport.PeerURL, c.HandleFrame, ws.Options{
			WriteTimeout: cfg.Transport.WriteTimeout,
			DialTimeout:  cfg.Transport.DialTimeout,
			Logger:       c.log,
		})
		if err != nil {
			return nil, err
		}
		c.peer = peer
		c.peerTransport = peer
	}
	// Only events cross the peer link. Items execute on the node that accepted
	// them, so the dispatcher keeps its in-process loopback.
	if c.peerTransport != nil {
		c.bus.SetTransport(c.peerTransport)
	}
	return c, nil
}

// Start brings up the mailboxes, re-delivers work stranded by a previous
// process, and launches the outbox publisher and dead-letter replay poller.
func (c *Core) Start(ctx context.Context) error {
	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := c.bus.Start(ctx); err != nil {
		return err
	}
	recovered, err := c.dispatcher.Recover(ctx)
	if err != nil {
		c.log.Error("startup recovery failed", observability.Err(err))
	} else if recovered > 0 {
		c.log.Info("recovered stranded work items", observability.Int("count", recovered))
	}
	c.replayer.Start(ctx)
	return nil
}

// Close drains mailboxes and stops every background worker. It does not
// close a pgx pool handed to PostgresStores; that remains the caller's.
func (c *Core) Close() error {
	c.replayer.Close()
	busErr := c.bus.Close()
	dispErr := c.dispatcher.Close()
	if c.peer != nil {
		if err := c.peer.Close(); err != nil && busErr == nil && dispErr == nil {
			return err
		}
	}
	if busErr != nil {
		return busErr
	}
	return dispErr
}

// RegisterHandler binds a work type to its handler. Submissions of unknown
// types dead-letter on delivery.
func (c *Core) RegisterHandler(workType string, handler registry.Handler) error {
	return c.registry.Register(workType, handler)
}

// Submit enqueues one work item and returns its receipt. Resubmitting a live
// dedupe key returns the original item's receipt with Duplicate set.
func (c *Core) Submit(ctx context.Context, item work.Item) (dispatcher.Receipt, error) {
	return c.dispatcher.Submit(ctx, item)
}

// SubmitAll enqueues items in order, stopping at the first failure. The
// returned receipts cover the items accepted before the error.
func (c *Core) SubmitAll(ctx context.Context, items ...work.Item) ([]dispatcher.Receipt, error) {
	receipts := make([]dispatcher.Receipt, 0, len(items))
	for _, item := range items {
		receipt, err := c.dispatcher.Submit(ctx, item)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Status reports the current lifecycle status of an item.
func (c *Core) Status(ctx context.Context, itemID string) (work.ItemStatus, error) {
	return c.dispatcher.Status(ctx, itemID)
}

// Cancel stops a queued item or interrupts a processing one.
func (c *Core) Cancel(ctx context.Context, itemID string) error {
	return c.dispatcher.Cancel(ctx, itemID)
}

// SubscribeProgress streams progress events for an in-flight item. The
// returned cancel must be called when the caller stops listening.
func (c *Core) SubscribeProgress(itemID string) (<-chan work.ProgressEvent, func()) {
	return c.dispatcher.SubscribeProgress(itemID)
}

// Recover re-delivers queued and stranded-processing items. Start already
// runs one pass; expose it for operational re-drives.
func (c *Core) Recover(ctx context.Context) (int, error) {
	return c.dispatcher.Recover(ctx)
}

// DeadLetters lists unreplayed dead-letter entries, oldest first.
func (c *Core) DeadLetters(ctx context.Context, filter dlqstore.Filter) ([]dlqstore.Entry, error) {
	return c.dispatcher.DeadLetters(ctx, filter)
}

// ReplayDeadLetter resubmits a dead-letter entry as a fresh item exactly
// once. A second replay of the same entry fails with a conflict.
func (c *Core) ReplayDeadLetter(ctx context.Context, entryID string) (dispatcher.Receipt, error) {
	return c.dispatcher.Replay(ctx, entryID)
}

// Emit records events in the outbox. Inside a store transaction the events
// only become visible after commit.
func (c *Core) Emit(ctx context.Context, events ...bus.Event) error {
	return c.bus.Emit(ctx, events...)
}

// Subscribe attaches a handler to an event type. Subscriptions are durable by
// default; see bus.Ephemeral and bus.WithFilter.
func (c *Core) Subscribe(eventType string, handler bus.Handler, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	return c.bus.Subscribe(eventType, handler, opts...)
}

// ReplayEvents re-delivers a slice of the published event log to current
// subscribers. Already processed events are absorbed by deduplication.
func (c *Core) ReplayEvents(ctx context.Context, req bus.ReplayRequest) (int, error) {
	return c.bus.Replay(ctx, req)
}

// EventLog reads the raw outbox log for inspection, pending and failed rows
// included.
func (c *Core) EventLog(ctx context.Context, sinceSeq int64, limit int) ([]outboxstore.Record, error) {
	return c.bus.Log(ctx, sinceSeq, time.Time{}, limit)
}

// HandleFrame routes a cluster frame to the owning component. Hosts that
// accept peer connections themselves wire this into ws.AcceptHandler.
func (c *Core) HandleFrame(ctx context.Context, frame transport.Frame) error {
	switch frame.Kind {
	case transport.FrameItem:
		return c.dispatcher.Deliver(ctx, frame)
	case transport.FrameEvent:
		return c.bus.HandleFrame(ctx, frame)
	default:
		return errs.New("conveyor", errs.CodeInvalid,
			errs.WithMessage("unknown frame kind "+string(frame.Kind)))
	}
}
