package conveyor

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/bus"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/router"
)

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Resilience.Retry.InitialInterval = time.Millisecond
	cfg.Resilience.Retry.MaxInterval = 2 * time.Millisecond
	cfg.Resilience.Retry.MaxAttempts = 2
	cfg.Resilience.AttemptTimeout = 5 * time.Second
	cfg.Bus.PublishInterval = 10 * time.Millisecond
	return cfg
}

func newCore(t *testing.T) *Core {
	core, _ := newCoreWithStores(t)
	return core
}

func newCoreWithStores(t *testing.T) (*Core, Stores) {
	t.Helper()
	stores := MemoryStores()
	core, err := New(testConfig(), stores, WithNodeID("test-node"))
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(func() {
		if err := core.Close(); err != nil {
			t.Fatalf("close core: %v", err)
		}
	})
	return core, stores
}

func waitStatus(t *testing.T, core *Core, itemID string, want work.Status) work.ItemStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := core.Status(context.Background(), itemID)
		if err != nil {
			t.Fatalf("status %s: %v", itemID, err)
		}
		if status.Status == want {
			return status
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("item %s never reached %s", itemID, want)
	return work.ItemStatus{}
}

func TestCoreRunsSubmittedWork(t *testing.T) {
	core := newCore(t)
	done := make(chan string, 1)
	err := core.RegisterHandler("report.build", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		done <- item.ID
		return json.RawMessage(`{"pages":3}`), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	receipt, err := core.Submit(context.Background(), work.Item{
		TenantID: "acme",
		Type:     "report.build",
		Payload:  json.RawMessage(`{"month":"2026-08"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Duplicate {
		t.Fatalf("fresh submission flagged duplicate")
	}

	select {
	case id := <-done:
		if id != receipt.ItemID {
			t.Fatalf("handler saw item %s, receipt says %s", id, receipt.ItemID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never ran")
	}
	status := waitStatus(t, core, receipt.ItemID, work.StatusComplete)
	if string(status.Result) != `{"pages":3}` {
		t.Fatalf("result = %s", status.Result)
	}
}

func TestCoreSubmitAllStopsAtFirstFailure(t *testing.T) {
	core := newCore(t)
	if err := core.RegisterHandler("noop", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	receipts, err := core.SubmitAll(context.Background(),
		work.Item{TenantID: "acme", Type: "noop"},
		work.Item{TenantID: "", Type: "noop"},
		work.Item{TenantID: "acme", Type: "noop"},
	)
	if err == nil {
		t.Fatalf("expected validation failure on second item")
	}
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(receipts))
	}
}

func TestCoreDeadLetterListAndReplay(t *testing.T) {
	core := newCore(t)
	var mu sync.Mutex
	calls := 0
	if err := core.RegisterHandler("sync.push", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, errs.New("handler", errs.CodeUnavailable, errs.WithMessage("upstream down"))
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	receipt, err := core.Submit(context.Background(), work.Item{TenantID: "acme", Type: "sync.push"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, core, receipt.ItemID, work.StatusFailed)

	entries, err := core.DeadLetters(context.Background(), dlqstore.Filter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if entries[0].ItemID != receipt.ItemID {
		t.Fatalf("entry item = %s, want %s", entries[0].ItemID, receipt.ItemID)
	}

	replayed, err := core.ReplayDeadLetter(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	waitStatus(t, core, replayed.ItemID, work.StatusComplete)

	if _, err := core.ReplayDeadLetter(context.Background(), entries[0].ID); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("second replay error = %v, want conflict", err)
	}
}

func TestCoreEmitReachesSubscriber(t *testing.T) {
	core := newCore(t)
	got := make(chan bus.Event, 1)
	sub, err := core.Subscribe("order.shipped", func(ctx context.Context, evt bus.Event) error {
		got <- evt
		return nil
	}, bus.WithName("shipping-audit"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	err = core.Emit(context.Background(), bus.Event{
		TenantID:    "acme",
		Type:        "order.shipped",
		AggregateID: "order-17",
		Payload:     json.RawMessage(`{"carrier":"dhl"}`),
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case evt := <-got:
		if evt.AggregateID != "order-17" {
			t.Fatalf("aggregate = %s", evt.AggregateID)
		}
		if evt.Seq == 0 {
			t.Fatalf("delivered event missing sequence")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestCoreHandleFrameRoutesByKind(t *testing.T) {
	core, stores := newCoreWithStores(t)
	ran := make(chan struct{}, 1)
	if err := core.RegisterHandler("cache.warm", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		ran <- struct{}{}
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A peer frame references work the submitting node already persisted.
	item := work.Item{ID: "0198c0de-0000-7000-8000-000000000001", TenantID: "acme", Type: "cache.warm", Priority: work.PriorityNormal}
	if err := stores.Work.Insert(context.Background(), item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	body, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame := transport.Frame{Kind: transport.FrameItem, Partition: router.Partition(work.PriorityNormal, 0), Body: body}
	if err := core.HandleFrame(context.Background(), frame); err != nil {
		t.Fatalf("item frame: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivered item never ran")
	}

	if err := core.HandleFrame(context.Background(), transport.Frame{Kind: "gossip", Body: body}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unknown frame error = %v, want invalid", err)
	}
}
