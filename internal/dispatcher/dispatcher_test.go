package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/dedup"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/infra/persistence/memory"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/resilience"
	"github.com/conveyorhq/conveyor/internal/router"
)

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	store      *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureCfg(t, config.DispatcherConfig{
		MailboxBuffer:  8,
		Concurrency:    1,
		IdleTimeout:    50 * time.Millisecond,
		RecoveryBatch:  16,
		ProgressBuffer: 4,
	})
}

func newFixtureCfg(t *testing.T, cfg config.DispatcherConfig) *fixture {
	t.Helper()
	store := memory.NewStore()
	reg := registry.New()
	rt, err := router.New(nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	cache, err := dedup.NewCache(dedup.Config{}, store.DedupClaims(), "test-node")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	policy := resilience.NewPolicy(resilience.Config{
		Retry: resilience.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxAttempts:     3,
		},
		AttemptTimeout: 5 * time.Second,
	})
	d, err := New(cfg, Deps{
		Router:      rt,
		Registry:    reg,
		Policy:      policy,
		Dedup:       cache,
		Work:        store.WorkItems(),
		DeadLetters: store.DeadLetters(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &fixture{dispatcher: d, registry: reg, store: store}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = f.dispatcher.Close() })
}

func waitStatus(t *testing.T, d *Dispatcher, itemID string, want work.Status) work.ItemStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := d.Status(context.Background(), itemID)
		if err == nil && status.Status == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, err := d.Status(context.Background(), itemID)
	t.Fatalf("item %s never reached %s, last status %+v err %v", itemID, want, status, err)
	return work.ItemStatus{}
}

func TestSubmitRunsHandlerToCompletion(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if err := f.registry.Register("send-email", func(context.Context, work.Item) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":true}`), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme",
		Type:     "send-email",
		Payload:  json.RawMessage(`{"to":"a@b.c"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Duplicate || receipt.ItemID == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	status := waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusComplete)
	if string(status.Result) != `{"sent":true}` {
		t.Fatalf("result = %s", status.Result)
	}
	if len(status.History) < 3 {
		t.Fatalf("expected submitted, picked up and completed transitions, got %+v", status.History)
	}
}

func TestSubmitDefaultsPriorityAndRejectsPresetID(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_ = f.registry.Register("noop", func(context.Context, work.Item) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := f.dispatcher.Submit(context.Background(), work.Item{
		ID: "caller-chosen", TenantID: "acme", Type: "noop",
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid for preset id, got %v", err)
	}

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "noop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := f.store.WorkItems().Get(context.Background(), receipt.ItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Item.Priority != work.PriorityNormal {
		t.Fatalf("priority = %s, want normal", rec.Item.Priority)
	}
}

func TestSubmitCollapsesDuplicatesByKey(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_ = f.registry.Register("charge", func(context.Context, work.Item) (json.RawMessage, error) {
		return json.RawMessage(`"charged"`), nil
	})

	first, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "charge", DedupeKey: "order-42",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, f.dispatcher, first.ItemID, work.StatusComplete)

	second, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "charge", DedupeKey: "order-42",
	})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !second.Duplicate || second.ItemID != first.ItemID {
		t.Fatalf("duplicate receipt = %+v, want original item %s", second, first.ItemID)
	}

	// A different tenant using the same key is unrelated work.
	other, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "globex", Type: "charge", DedupeKey: "order-42",
	})
	if err != nil || other.Duplicate {
		t.Fatalf("cross-tenant submit = %+v err %v", other, err)
	}
}

func TestTerminalFailureDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	calls := 0
	_ = f.registry.Register("validate", func(context.Context, work.Item) (json.RawMessage, error) {
		calls++
		return nil, errs.New("handler", errs.CodeValidation, errs.WithMessage("bad payload"))
	})

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "validate", DedupeKey: "doc-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusFailed)
	if calls != 1 {
		t.Fatalf("terminal error retried: %d calls", calls)
	}

	entries, err := f.store.DeadLetters().ListPending(context.Background(), dlqstore.Filter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("pending dead letters = %d err %v", len(entries), err)
	}
	if entries[0].ItemID != receipt.ItemID || entries[0].ErrorReason != errs.CodeValidation {
		t.Fatalf("entry = %+v", entries[0])
	}

	// Dead-lettering released the claim, so a corrected submission wins it.
	again, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "validate", DedupeKey: "doc-1",
	})
	if err != nil || again.Duplicate {
		t.Fatalf("resubmit after dead letter = %+v err %v", again, err)
	}
}

func TestRetryExhaustionRecordsUnderlyingReason(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_ = f.registry.Register("flaky", func(context.Context, work.Item) (json.RawMessage, error) {
		return nil, errs.New("handler", errs.CodeUnavailable, errs.WithMessage("downstream down"))
	})

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "flaky", MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	status := waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusFailed)
	if status.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", status.Attempts)
	}

	entries, err := f.store.DeadLetters().ListPending(context.Background(), dlqstore.Filter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("pending dead letters = %d err %v", len(entries), err)
	}
	if entries[0].ErrorReason != errs.CodeUnavailable {
		t.Fatalf("reason = %s, want unavailable", entries[0].ErrorReason)
	}
	if len(entries[0].Attempts) != 2 {
		t.Fatalf("attempt log = %+v", entries[0].Attempts)
	}
}

func TestCancelQueuedItem(t *testing.T) {
	f := newFixture(t)
	// Not started: the submission persists but delivery fails, leaving the
	// item queued exactly like a crash between persist and deliver.
	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "slow", DedupeKey: "k1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := f.dispatcher.Cancel(context.Background(), receipt.ItemID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, err := f.dispatcher.Status(context.Background(), receipt.ItemID)
	if err != nil || status.Status != work.StatusCancelled {
		t.Fatalf("status = %+v err %v", status, err)
	}

	if err := f.dispatcher.Cancel(context.Background(), receipt.ItemID); errs.CodeOf(err) != errs.CodeAlreadyCancelled {
		t.Fatalf("second cancel = %v, want already_cancelled", err)
	}
	if err := f.dispatcher.Cancel(context.Background(), "0192f9e2-aaaa-7bbb-8ccc-000000000099"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("cancel unknown = %v, want not_found", err)
	}
}

func TestCancelProcessingInterruptsHandler(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	started := make(chan struct{})
	_ = f.registry.Register("long", func(ctx context.Context, _ work.Item) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "long", DedupeKey: "k2",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	if err := f.dispatcher.Cancel(context.Background(), receipt.ItemID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusCancelled)

	// The claim was released on cancellation.
	again, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "long", DedupeKey: "k2",
	})
	if err != nil || again.Duplicate {
		t.Fatalf("resubmit after cancel = %+v err %v", again, err)
	}
	_ = f.dispatcher.Cancel(context.Background(), again.ItemID)
}

func TestCompletedItemRejectsCancel(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_ = f.registry.Register("noop", func(context.Context, work.Item) (json.RawMessage, error) {
		return nil, nil
	})
	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "noop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusComplete)
	if err := f.dispatcher.Cancel(context.Background(), receipt.ItemID); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("cancel complete = %v, want conflict", err)
	}
}

func TestRecoverRedeliversStrandedItems(t *testing.T) {
	f := newFixture(t)
	_ = f.registry.Register("noop", func(context.Context, work.Item) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})

	// Stranded before delivery.
	queued, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "noop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Stranded mid-handler on a crashed node.
	crashed, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "noop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := f.store.WorkItems().Transition(context.Background(), crashed.ItemID,
		work.StatusQueued, work.StatusProcessing, "picked up"); err != nil || !ok {
		t.Fatalf("stage processing: ok=%v err=%v", ok, err)
	}

	f.start(t)
	n, err := f.dispatcher.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	waitStatus(t, f.dispatcher, queued.ItemID, work.StatusComplete)
	waitStatus(t, f.dispatcher, crashed.ItemID, work.StatusComplete)
}

func TestReplayDeadLetterOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	var fail atomic.Bool
	fail.Store(true)
	_ = f.registry.Register("import", func(context.Context, work.Item) (json.RawMessage, error) {
		if fail.Load() {
			return nil, errs.New("handler", errs.CodeValidation, errs.WithMessage("bad row"))
		}
		return json.RawMessage(`"imported"`), nil
	})

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
		TenantID: "acme", Type: "import", Payload: json.RawMessage(`{"row":1}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusFailed)

	entries, err := f.store.DeadLetters().ListPending(context.Background(), dlqstore.Filter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("pending dead letters = %d err %v", len(entries), err)
	}

	fail.Store(false)
	replayed, err := f.dispatcher.Replay(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ItemID == receipt.ItemID {
		t.Fatal("replay reused the dead item id")
	}
	waitStatus(t, f.dispatcher, replayed.ItemID, work.StatusComplete)

	rec, err := f.store.WorkItems().Get(context.Background(), replayed.ItemID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if rec.Item.CausationID != receipt.ItemID {
		t.Fatalf("causation = %q, want %s", rec.Item.CausationID, receipt.ItemID)
	}
	if string(rec.Item.Payload) != `{"row":1}` {
		t.Fatalf("payload = %s", rec.Item.Payload)
	}

	if _, err := f.dispatcher.Replay(context.Background(), entries[0].ID); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("second replay = %v, want conflict", err)
	}
}

func TestProgressEventsReachSubscribers(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	gate := make(chan struct{})
	_ = f.registry.Register("report", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		<-gate
		work.Report(ctx, item.ID, "halfway", 50)
		return nil, nil
	})

	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "report"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	events, cancel := f.dispatcher.SubscribeProgress(receipt.ItemID)
	defer cancel()
	close(gate)

	select {
	case ev := <-events:
		if ev.Stage != "halfway" || ev.Percent != 50 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event")
	}

	// The stream closes when the item finishes.
	select {
	case _, open := <-events:
		if open {
			t.Fatal("expected closed stream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed")
	}
}

func TestMissingHandlerDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	receipt, err := f.dispatcher.Submit(context.Background(), work.Item{TenantID: "acme", Type: "ghost"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, f.dispatcher, receipt.ItemID, work.StatusFailed)
	entries, err := f.store.DeadLetters().ListPending(context.Background(), dlqstore.Filter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("pending dead letters = %d err %v", len(entries), err)
	}
	if entries[0].ErrorReason != errs.CodeHandlerMissing {
		t.Fatalf("reason = %s", entries[0].ErrorReason)
	}
	// The failed resolution is itself an attempt, so the entry carries it.
	if len(entries[0].Attempts) != 1 || entries[0].Attempts[0].Error == "" {
		t.Fatalf("attempt log = %+v", entries[0].Attempts)
	}
	status, err := f.dispatcher.Status(context.Background(), receipt.ItemID)
	if err != nil || status.Attempts != 1 {
		t.Fatalf("status = %+v err %v, want one attempt", status, err)
	}
}

func TestRacingSubmitsWithOneKeyCreateOneItem(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	var runs atomic.Int32
	gate := make(chan struct{})
	_ = f.registry.Register("charge", func(context.Context, work.Item) (json.RawMessage, error) {
		runs.Add(1)
		<-gate
		return json.RawMessage(`"charged"`), nil
	})

	// The handler blocks, so every racer submits while the claim holder is
	// still in flight.
	const racers = 16
	receipts := make([]Receipt, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
				TenantID: "acme", Type: "charge", DedupeKey: "order-77",
			})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			receipts[i] = receipt
		}()
	}
	wg.Wait()
	close(gate)

	winners := 0
	var winner string
	for _, receipt := range receipts {
		if !receipt.Duplicate {
			winners++
			winner = receipt.ItemID
		}
	}
	if winners != 1 {
		t.Fatalf("non-duplicate receipts = %d, want exactly 1", winners)
	}
	for _, receipt := range receipts {
		if receipt.ItemID != winner {
			t.Fatalf("receipt points at %s, want winner %s", receipt.ItemID, winner)
		}
	}

	waitStatus(t, f.dispatcher, winner, work.StatusComplete)
	if got := runs.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestCriticalClassOutpacesLowUnderLoad(t *testing.T) {
	f := newFixtureCfg(t, config.DispatcherConfig{
		MailboxBuffer:  64,
		Concurrency:    1,
		IdleTimeout:    50 * time.Millisecond,
		RecoveryBatch:  16,
		ProgressBuffer: 4,
	})
	f.start(t)

	const perClass = 20
	var mu sync.Mutex
	started := map[string]time.Time{}
	done := make(chan struct{}, 2*perClass)
	_ = f.registry.Register("crunch", func(_ context.Context, item work.Item) (json.RawMessage, error) {
		mu.Lock()
		started[item.ID] = time.Now()
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		done <- struct{}{}
		return nil, nil
	})

	// Interleave submissions so arrival order gives neither class a head start.
	t0 := time.Now()
	ids := map[work.Priority][]string{}
	for i := 0; i < perClass; i++ {
		for _, priority := range []work.Priority{work.PriorityCritical, work.PriorityLow} {
			receipt, err := f.dispatcher.Submit(context.Background(), work.Item{
				TenantID:  "acme",
				Type:      "crunch",
				Priority:  priority,
				DedupeKey: fmt.Sprintf("%s-%d", priority, i),
			})
			if err != nil {
				t.Fatalf("submit %s #%d: %v", priority, i, err)
			}
			ids[priority] = append(ids[priority], receipt.ItemID)
		}
	}
	for i := 0; i < 2*perClass; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("load never drained")
		}
	}

	meanWait := func(priority work.Priority) time.Duration {
		var sum time.Duration
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids[priority] {
			at, ok := started[id]
			if !ok {
				t.Fatalf("item %s never started", id)
			}
			sum += at.Sub(t0)
		}
		return sum / perClass
	}

	// Four critical partitions against one low partition drains the critical
	// backlog roughly four times faster; the mean dispatch wait must reflect
	// that even with scheduling noise.
	critical := meanWait(work.PriorityCritical)
	low := meanWait(work.PriorityLow)
	if critical >= low {
		t.Fatalf("critical mean wait %v, not below low mean wait %v", critical, low)
	}
}
