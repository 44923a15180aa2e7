// Package httpserver exposes the operator API: item submission and lifecycle,
// dead-letter inspection and replay, and event emission.
package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/bus"
	"github.com/conveyorhq/conveyor/internal/domain/dlqstore"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	itemsPath        = "/items"
	itemDetailPrefix = itemsPath + "/"

	deadLettersPath        = "/dead-letters"
	deadLetterDetailPrefix = deadLettersPath + "/"

	eventsPath       = "/events"
	eventsReplayPath = "/events/replay"

	recoverPath = "/recover"
	healthPath  = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	core *conveyor.Core
}

// NewHandler creates the operator API handler over an assembled core.
func NewHandler(core *conveyor.Core) http.Handler {
	server := &httpServer{core: core}
	mux := http.NewServeMux()

	mux.Handle(itemsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitItems,
	}))
	mux.Handle(itemDetailPrefix, http.HandlerFunc(server.handleItem))

	mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDeadLetters,
	}))
	mux.Handle(deadLetterDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.replayDeadLetter,
	}))

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listEvents,
		http.MethodPost: server.emitEvents,
	}))
	mux.Handle(eventsReplayPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.replayEvents,
	}))

	mux.Handle(recoverPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.recoverItems,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// submitItems accepts a single item object or an array of items.
func (s *httpServer) submitItems(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if isJSONArray(body) {
		var items []work.Item
		if err := json.Unmarshal(body, &items); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode items: %v", err))
			return
		}
		receipts, err := s.core.SubmitAll(r.Context(), items...)
		if err != nil {
			writeCodeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"receipts": receipts})
		return
	}

	var item work.Item
	if err := json.Unmarshal(body, &item); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode item: %v", err))
		return
	}
	receipt, err := s.core.Submit(r.Context(), item)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleItem serves GET /items/{id} and POST /items/{id}/cancel.
func (s *httpServer) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, itemDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "item id required")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	itemID := parts[0]

	if len(parts) == 2 {
		if parts[1] != "cancel" {
			writeError(w, http.StatusNotFound, "unknown item action "+parts[1])
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.core.Cancel(r.Context(), itemID); err != nil {
			writeCodeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	status, err := s.core.Status(r.Context(), itemID)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := dlqstore.Filter{
		TenantID: query.Get("tenant"),
		Reason:   errs.Code(query.Get("reason")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.core.DeadLetters(r.Context(), filter)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// replayDeadLetter serves POST /dead-letters/{id}/replay.
func (s *httpServer) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, deadLetterDetailPrefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "replay" {
		writeError(w, http.StatusNotFound, "expected /dead-letters/{id}/replay")
		return
	}
	receipt, err := s.core.ReplayDeadLetter(r.Context(), parts[0])
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// emitEvents accepts a single event object or an array of events.
func (s *httpServer) emitEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var events []bus.Event
	if isJSONArray(body) {
		if err := json.Unmarshal(body, &events); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode events: %v", err))
			return
		}
	} else {
		var evt bus.Event
		if err := json.Unmarshal(body, &evt); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
			return
		}
		events = append(events, evt)
	}
	if err := s.core.Emit(r.Context(), events...); err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

// listEvents serves GET /events?sinceSeq=&limit=, reading the raw outbox log
// so operators can inspect pending and failed rows alongside published ones.
func (s *httpServer) listEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var sinceSeq int64
	if raw := query.Get("sinceSeq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "sinceSeq must be a non-negative integer")
			return
		}
		sinceSeq = parsed
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := s.core.EventLog(r.Context(), sinceSeq, limit)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

type eventReplayPayload struct {
	SinceSeq int64      `json:"sinceSeq"`
	Until    *time.Time `json:"until,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

func (s *httpServer) replayEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload eventReplayPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode replay request: %v", err))
		return
	}
	req := bus.ReplayRequest{SinceSeq: payload.SinceSeq, Limit: payload.Limit}
	if payload.Until != nil {
		req.Until = *payload.Until
	}
	examined, err := s.core.ReplayEvents(r.Context(), req)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examined": examined})
}

func (s *httpServer) recoverItems(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.core.Recover(r.Context())
	if err != nil {
		writeCodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": recovered})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("request body required")
	}
	return body, nil
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalid, errs.CodeValidation, errs.CodeDeserialization:
		return http.StatusBadRequest
	case errs.CodeConflict, errs.CodeAlreadyCancelled, errs.CodeDuplicateEvent:
		return http.StatusConflict
	case errs.CodeUnavailable, errs.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeCodeError(w http.ResponseWriter, err error) {
	writeError(w, statusForCode(errs.CodeOf(err)), err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
