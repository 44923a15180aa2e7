package persistence_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/outboxstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/infra/persistence/migrations"
	pgstore "github.com/conveyorhq/conveyor/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "conveyor"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/conveyor?sslmode=disable", host, port.Port())

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	if err := migrations.Apply(ctx, dsn, filepath.Join(root, "db", "migrations"), nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
}

func TestWorkStoreLifecycle(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewWorkStore(testPool)

	item := work.Item{
		ID:       uuid.NewString(),
		TenantID: "acme",
		Type:     "report.build",
		Payload:  json.RawMessage(`{"month":"2026-08"}`),
		Priority: work.PriorityHigh,
	}
	if err := store.Insert(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != work.StatusQueued {
		t.Fatalf("status = %s, want queued", rec.Status)
	}
	if rec.Item.Priority != work.PriorityHigh {
		t.Fatalf("priority = %s", rec.Item.Priority)
	}

	ok, err := store.Transition(ctx, item.ID, work.StatusQueued, work.StatusProcessing, "picked up")
	if err != nil || !ok {
		t.Fatalf("transition queued->processing: ok=%v err=%v", ok, err)
	}
	ok, err = store.Transition(ctx, item.ID, work.StatusQueued, work.StatusProcessing, "double pickup")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatalf("compare-and-swap let two owners win")
	}

	attempts, err := store.RecordAttempt(ctx, item.ID, work.Attempt{Error: "upstream down", At: time.Now().UTC()})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	if err := store.RecordResult(ctx, item.ID, json.RawMessage(`{"pages":3}`)); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if ok, err := store.Transition(ctx, item.ID, work.StatusProcessing, work.StatusComplete, "done"); err != nil || !ok {
		t.Fatalf("transition to complete: ok=%v err=%v", ok, err)
	}

	rec, err = store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get after complete: %v", err)
	}
	if rec.Status != work.StatusComplete || string(rec.Result) != `{"pages":3}` {
		t.Fatalf("record = %s result %s", rec.Status, rec.Result)
	}
	if len(rec.History) < 2 {
		t.Fatalf("history entries = %d, want >= 2", len(rec.History))
	}

	if _, err := store.Get(ctx, uuid.NewString()); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("missing item error = %v, want not found", err)
	}
}

func TestWorkStoreListRecoverable(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewWorkStore(testPool)

	queued := work.Item{ID: uuid.NewString(), TenantID: "recov", Type: "t", Priority: work.PriorityNormal}
	stuck := work.Item{ID: uuid.NewString(), TenantID: "recov", Type: "t", Priority: work.PriorityNormal}
	for _, item := range []work.Item{queued, stuck} {
		if err := store.Insert(ctx, item); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if ok, err := store.Transition(ctx, stuck.ID, work.StatusQueued, work.StatusProcessing, "picked up"); err != nil || !ok {
		t.Fatalf("stage processing: ok=%v err=%v", ok, err)
	}

	recs, err := store.ListRecoverable(ctx, 100)
	if err != nil {
		t.Fatalf("list recoverable: %v", err)
	}
	found := map[string]bool{}
	for _, rec := range recs {
		found[rec.Item.ID] = true
	}
	if !found[queued.ID] || !found[stuck.ID] {
		t.Fatalf("recoverable set missing items: %v", found)
	}
}

func TestOutboxLogAppendPublishAndRange(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	evt := outboxstore.Event{
		EventID:     uuid.NewString(),
		TenantID:    "acme",
		EventType:   "order.shipped",
		AggregateID: "order-17",
		Payload:     json.RawMessage(`{"carrier":"dhl"}`),
		AvailableAt: time.Now().UTC(),
	}
	rec, err := store.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.Seq == 0 {
		t.Fatalf("enqueue assigned no sequence")
	}
	if rec.PubSeq != 0 {
		t.Fatalf("unpublished row carries publish position %d", rec.PubSeq)
	}

	pending, err := store.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if !containsSeq(pending, rec.Seq) {
		t.Fatalf("pending does not contain seq %d", rec.Seq)
	}

	if err := store.MarkPublished(ctx, rec.Seq); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = store.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending after publish: %v", err)
	}
	if containsSeq(pending, rec.Seq) {
		t.Fatalf("published row still listed as pending")
	}

	// Publication assigns the consumer-visible position and moves the head.
	head, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head == 0 {
		t.Fatalf("head still zero after publish")
	}
	published, err := store.ListPublished(ctx, head-1, time.Time{}, 100)
	if err != nil {
		t.Fatalf("list published: %v", err)
	}
	if !containsSeq(published, rec.Seq) {
		t.Fatalf("published log does not contain seq %d", rec.Seq)
	}
	for _, p := range published {
		if p.PubSeq == 0 {
			t.Fatalf("published row without publish position: %+v", p)
		}
	}

	// Published rows stay readable in the raw log.
	ranged, err := store.ListRange(ctx, rec.Seq-1, time.Time{}, 100)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if !containsSeq(ranged, rec.Seq) {
		t.Fatalf("range does not contain published seq %d", rec.Seq)
	}
}

func TestOutboxPublishFailureSchedule(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	rec, err := store.Enqueue(ctx, outboxstore.Event{
		EventID:     uuid.NewString(),
		TenantID:    "acme",
		EventType:   "retry.flaky",
		Payload:     json.RawMessage(`{}`),
		AvailableAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkAttemptFailed(ctx, rec.Seq, "peer unreachable", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark attempt failed: %v", err)
	}
	pending, err := store.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if containsSeq(pending, rec.Seq) {
		t.Fatalf("row scheduled an hour out listed as ready")
	}

	if err := store.MarkFailed(ctx, rec.Seq, "gave up"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	ranged, err := store.ListRange(ctx, rec.Seq-1, time.Time{}, 1)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(ranged) == 0 || ranged[0].Status != outboxstore.StatusFailed {
		t.Fatalf("terminally failed row not recorded: %+v", ranged)
	}
}

func TestOutboxEnqueueJoinsCallerTransaction(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	tx, err := testPool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eventID := uuid.NewString()
	_, err = store.Enqueue(pgstore.ContextWithTx(ctx, tx), outboxstore.Event{
		EventID:     eventID,
		TenantID:    "acme",
		EventType:   "tx.staged",
		Payload:     json.RawMessage(`{}`),
		AvailableAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue in tx: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	pending, err := store.ListPending(ctx, 1000)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, rec := range pending {
		if rec.Event.EventID == eventID {
			t.Fatalf("rolled-back event %s is visible", eventID)
		}
	}
}

func TestDedupClaimIsExclusive(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewDedupStore(testPool)

	key := uuid.NewString()
	claimed, _, err := store.TryClaim(ctx, "acme", key, "node-a", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, existing, err := store.TryClaim(ctx, "acme", key, "node-b", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("two nodes both won the claim")
	}
	if existing.Owner != "node-a" {
		t.Fatalf("existing owner = %s, want node-a", existing.Owner)
	}

	// Tenants are isolated namespaces.
	claimed, _, err = store.TryClaim(ctx, "globex", key, "node-b", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("cross-tenant claim: claimed=%v err=%v", claimed, err)
	}

	if err := store.MarkComplete(ctx, "acme", key, json.RawMessage(`{"ok":true}`), time.Hour); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	claim, found, err := store.Get(ctx, "acme", key)
	if err != nil || !found {
		t.Fatalf("get claim: found=%v err=%v", found, err)
	}
	if !claim.Completed() || string(claim.Result) != `{"ok":true}` {
		t.Fatalf("claim = %+v", claim)
	}
}

func TestDedupReleaseFreesKey(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewDedupStore(testPool)

	key := uuid.NewString()
	if claimed, _, err := store.TryClaim(ctx, "acme", key, "node-a", time.Minute); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := store.Release(ctx, "acme", key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claimed, _, err := store.TryClaim(ctx, "acme", key, "node-b", time.Minute); err != nil || !claimed {
		t.Fatalf("reclaim after release: claimed=%v err=%v", claimed, err)
	}
}

func TestDeadLetterReplayedExactlyOnce(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewDeadLetterStore(testPool)

	entry := dlqstore.Entry{
		ID:          uuid.NewString(),
		ItemID:      uuid.NewString(),
		TenantID:    "acme",
		ItemType:    "sync.push",
		Priority:    work.PriorityNormal,
		Payload:     json.RawMessage(`{"n":1}`),
		ErrorReason: errs.CodeUnavailable,
		Attempts:    []work.Attempt{{Error: "upstream down", At: time.Now().UTC()}},
	}
	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := store.ListPending(ctx, dlqstore.Filter{TenantID: "acme", Reason: errs.CodeUnavailable})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	found := false
	for _, e := range pending {
		if e.ID == entry.ID {
			found = true
			if len(e.Attempts) != 1 {
				t.Fatalf("attempts = %d, want 1", len(e.Attempts))
			}
		}
	}
	if !found {
		t.Fatalf("entry missing from pending list")
	}

	ok, err := store.MarkReplayed(ctx, entry.ID, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("first replay: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkReplayed(ctx, entry.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if ok {
		t.Fatalf("entry replayed twice")
	}
}

func TestSubscriptionAckOnlyMovesForward(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewSubscriptionStore(testPool)

	name := "audit-" + uuid.NewString()
	pos, err := store.Ensure(ctx, name, "order.shipped", 40)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pos.LastSeq != 40 {
		t.Fatalf("initial position = %d, want 40", pos.LastSeq)
	}

	// A second Ensure returns the stored row, not the new head.
	pos, err = store.Ensure(ctx, name, "order.shipped", 99)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if pos.LastSeq != 40 {
		t.Fatalf("re-ensure reset position to %d", pos.LastSeq)
	}

	if err := store.Ack(ctx, name, 55); err != nil {
		t.Fatalf("ack forward: %v", err)
	}
	if err := store.Ack(ctx, name, 41); err != nil {
		t.Fatalf("ack backward: %v", err)
	}
	pos, found, err := store.Get(ctx, name)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if pos.LastSeq != 55 {
		t.Fatalf("position = %d, want 55", pos.LastSeq)
	}
}

func containsSeq(recs []outboxstore.Record, seq int64) bool {
	for _, rec := range recs {
		if rec.Seq == seq {
			return true
		}
	}
	return false
}
