package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/router"
)

// mailbox is one partition's bounded FIFO queue plus its drain loop. The loop
// is started lazily on the first enqueue and parks again after the idle
// timeout so an idle weight table costs no goroutines. With concurrency 1 the
// drain preserves strict arrival order for the partition.
type mailbox struct {
	id          router.PartitionID
	ch          chan work.Item
	run         func(ctx context.Context, item work.Item)
	concurrency int
	idle        time.Duration

	base context.Context

	// inflight counts handlers between dispatch and return; the drain loop
	// never parks while it is non-zero, keeping the idle timer from handing
	// the partition to a second loop mid-execution.
	inflight atomic.Int64

	mu     sync.Mutex
	active bool
	wg     sync.WaitGroup
}

func newMailbox(base context.Context, id router.PartitionID, buffer, concurrency int, idle time.Duration, run func(ctx context.Context, item work.Item)) *mailbox {
	if buffer <= 0 {
		buffer = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if idle <= 0 {
		idle = time.Minute
	}
	return &mailbox{
		id:          id,
		ch:          make(chan work.Item, buffer),
		run:         run,
		concurrency: concurrency,
		idle:        idle,
		base:        base,
	}
}

// enqueue places the item at the tail of the queue. A full buffer fails fast
// instead of blocking the submitter: the item is already durable as queued, so
// Recover re-delivers it once the partition drains. Reordering never happens
// here; priority is the router's concern.
func (m *mailbox) enqueue(item work.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case m.ch <- item:
		m.startLocked()
		return nil
	default:
		return errs.New("dispatcher/mailbox", errs.CodeUnavailable,
			errs.WithItemID(item.ID),
			errs.WithMessage("partition "+string(m.id)+" buffer full"))
	}
}

// depth reports the number of items waiting in the buffer.
func (m *mailbox) depth() int {
	return len(m.ch)
}

func (m *mailbox) startLocked() {
	if m.active {
		return
	}
	m.active = true
	m.wg.Add(1)
	go m.drain()
}

func (m *mailbox) drain() {
	defer m.wg.Done()
	workers := pool.New().WithMaxGoroutines(m.concurrency)
	defer workers.Wait()

	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	for {
		select {
		case <-m.base.Done():
			m.mu.Lock()
			m.active = false
			m.mu.Unlock()
			return
		case item := <-m.ch:
			m.inflight.Add(1)
			workers.Go(func() {
				defer m.inflight.Add(-1)
				m.run(m.base, item)
			})
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.idle)
		case <-timer.C:
			// Park only while holding the lock and seeing an empty buffer with
			// no handler in flight, so a concurrent enqueue either lands before
			// the check or observes the parked state and restarts the loop, and
			// a slow handler keeps the partition alive until it returns.
			m.mu.Lock()
			if len(m.ch) == 0 && m.inflight.Load() == 0 {
				m.active = false
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			timer.Reset(m.idle)
		}
	}
}

// wait blocks until the drain loop and its workers have stopped.
func (m *mailbox) wait() {
	m.wg.Wait()
}
