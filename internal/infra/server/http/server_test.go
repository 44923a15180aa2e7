package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

func newTestHandler(t *testing.T) (http.Handler, *conveyor.Core) {
	t.Helper()
	cfg := config.Default()
	cfg.Resilience.Retry.InitialInterval = time.Millisecond
	cfg.Resilience.Retry.MaxAttempts = 2
	cfg.Bus.PublishInterval = 10 * time.Millisecond

	core, err := conveyor.New(cfg, conveyor.MemoryStores(), conveyor.WithNodeID("http-test"))
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
	return NewHandler(core), core
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndStatusRoundTrip(t *testing.T) {
	handler, core := newTestHandler(t)
	done := make(chan struct{}, 1)
	if err := core.RegisterHandler("report.build", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		done <- struct{}{}
		return json.RawMessage(`{"ok":true}`), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doRequest(t, handler, http.MethodPost, "/items", `{"tenantId":"acme","type":"report.build","payload":{"month":"2026-08"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body %s", rec.Code, rec.Body)
	}
	var receipt struct {
		ItemID    string `json:"itemId"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.ItemID == "" || receipt.Duplicate {
		t.Fatalf("receipt = %+v", receipt)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never ran")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doRequest(t, handler, http.MethodGet, "/items/"+receipt.ItemID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d body %s", rec.Code, rec.Body)
		}
		var status work.ItemStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Status == work.StatusComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item stuck in %s", status.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitBatch(t *testing.T) {
	handler, core := newTestHandler(t)
	if err := core.RegisterHandler("noop", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doRequest(t, handler, http.MethodPost, "/items",
		`[{"tenantId":"acme","type":"noop"},{"tenantId":"acme","type":"noop"}]`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch status = %d body %s", rec.Code, rec.Body)
	}
	var payload struct {
		Receipts []struct {
			ItemID string `json:"itemId"`
		} `json:"receipts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode batch receipts: %v", err)
	}
	if len(payload.Receipts) != 2 {
		t.Fatalf("receipts = %d, want 2", len(payload.Receipts))
	}
}

func TestStatusUnknownItemIs404(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodGet, "/items/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitRejectsInvalidItem(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/items", `{"type":"missing-tenant"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body)
	}
}

func TestMethodNotAllowedCarriesAllowHeader(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodDelete, "/items", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow header = %q", allow)
	}
}

func TestEmitAcceptsEvents(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/events",
		`{"tenantId":"acme","type":"order.shipped","aggregateId":"order-17","payload":{}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("emit status = %d body %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, handler, http.MethodPost, "/events", `{"type":"missing-tenant"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid emit status = %d, want 400", rec.Code)
	}
}

func TestListEventsReadsLog(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodPost, "/events",
		`{"tenantId":"acme","type":"order.shipped","aggregateId":"order-17","payload":{}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("emit status = %d body %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, handler, http.MethodGet, "/events?sinceSeq=0&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d body %s", rec.Code, rec.Body)
	}
	var payload struct {
		Events []struct {
			Seq   int64
			Event struct{ EventType string }
		} `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(payload.Events) != 1 || payload.Events[0].Seq == 0 || payload.Events[0].Event.EventType != "order.shipped" {
		t.Fatalf("events = %+v", payload.Events)
	}

	rec = doRequest(t, handler, http.MethodGet, "/events?sinceSeq=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad sinceSeq status = %d, want 400", rec.Code)
	}
}

func TestDeadLetterListAndReplay(t *testing.T) {
	handler, core := newTestHandler(t)
	attempts := 0
	if err := core.RegisterHandler("sync.push", func(ctx context.Context, item work.Item) (json.RawMessage, error) {
		attempts++
		if attempts <= 2 {
			return nil, context.DeadlineExceeded
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doRequest(t, handler, http.MethodPost, "/items", `{"tenantId":"acme","type":"sync.push"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}

	var entries struct {
		Entries []struct {
			ID string `json:"ID"`
		} `json:"entries"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doRequest(t, handler, http.MethodGet, "/dead-letters?tenant=acme", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("list status = %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
			t.Fatalf("decode entries: %v", err)
		}
		if len(entries.Entries) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doRequest(t, handler, http.MethodPost, "/dead-letters/"+entries.Entries[0].ID+"/replay", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d body %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, handler, http.MethodPost, "/dead-letters/"+entries.Entries[0].ID+"/replay", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second replay status = %d, want 409", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
