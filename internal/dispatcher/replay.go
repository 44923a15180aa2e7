package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/observability"
)

// replayBatchSize caps the entries examined per sweep.
const replayBatchSize = 64

// Replayer polls the dead letter queue and resubmits entries whose failure
// was retryable, rate limited so a recovering downstream is not flattened by
// its own backlog. Terminal failures are never replayed automatically; they
// wait for an operator.
type Replayer struct {
	cfg        config.ReplayConfig
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	log        observability.Logger

	stop     context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewReplayer constructs the poller over the dispatcher's dead letter store.
func NewReplayer(cfg config.ReplayConfig, d *Dispatcher, logger observability.Logger) (*Replayer, error) {
	if d == nil {
		return nil, errs.New("replayer", errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Replayer{
		cfg:        cfg,
		dispatcher: d,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:        logger,
		done:       make(chan struct{}),
	}, nil
}

// Start launches the polling loop. A disabled config makes Start a no-op.
func (r *Replayer) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		close(r.done)
		return
	}
	ctx, r.stop = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Close stops the polling loop and waits for the current sweep to finish.
func (r *Replayer) Close() {
	r.stopOnce.Do(func() {
		if r.stop != nil {
			r.stop()
		}
	})
	<-r.done
}

func (r *Replayer) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("dead letter sweep", observability.Err(err))
			}
		}
	}
}

// sweep replays one batch of retryable dead letters. Each entry is stamped
// replayed before resubmission, so a crash between the two leaves the entry
// consumed rather than replayed twice.
func (r *Replayer) sweep(ctx context.Context) error {
	entries, err := r.dispatcher.dlq.ListPending(ctx, dlqstore.Filter{Limit: replayBatchSize})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if errs.ClassOf(entry.ErrorReason) != errs.ClassRetryable {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		ok, err := r.dispatcher.dlq.MarkReplayed(ctx, entry.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		receipt, err := r.dispatcher.resubmit(ctx, entry)
		if err != nil {
			r.log.Error("replay dead letter",
				observability.String("entry", entry.ID),
				observability.String("item", entry.ItemID),
				observability.Err(err))
			continue
		}
		r.log.Info("replayed dead letter",
			observability.String("entry", entry.ID),
			observability.String("item", entry.ItemID),
			observability.String("replacement", receipt.ItemID))
	}
	return nil
}
