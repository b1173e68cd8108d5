package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/idempotency"
	"github.com/yourusername/fencekit/store"
)

// EventsKey is the list holding processed webhook events, newest first.
const EventsKey = "webhook:events"

const maxWebhookBody = 1 << 20

// WebhookEvent is a processed webhook as kept in the event log.
type WebhookEvent struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// WebhookHandler receives webhooks and records them in the shared store.
type WebhookHandler struct {
	store  store.Store
	idem   *idempotency.Store
	logger *zap.Logger
	delay  time.Duration
	now    func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. delay simulates downstream
// processing time.
func NewWebhookHandler(st store.Store, idem *idempotency.Store, logger *zap.Logger, delay time.Duration) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		store:  st,
		idem:   idem,
		logger: logger,
		delay:  delay,
		now:    time.Now,
	}
}

// Process handles one webhook delivery. It is mounted both behind the
// idempotency middleware and bare, for comparison.
func (h *WebhookHandler) Process(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "could not read body"})
		return
	}

	var payload struct {
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid json"})
		return
	}

	event, err := json.Marshal(WebhookEvent{
		Event:       payload.Event,
		Data:        payload.Data,
		Timestamp:   payload.Timestamp,
		ProcessedAt: h.now().UTC(),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	n, err := h.store.ListPush(r.Context(), EventsKey, string(event))
	if err != nil {
		h.logger.Error("failed to record webhook event", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "event store unavailable"})
		return
	}

	if h.delay > 0 {
		select {
		case <-r.Context().Done():
		case <-time.After(h.delay):
		}
	}

	h.logger.Info("webhook processed", zap.String("event", payload.Event), zap.Int64("event_id", n-1))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"message":  "Webhook processed successfully",
		"event_id": n - 1,
	})
}

// Events lists processed webhook events, oldest first.
func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.ListRange(r.Context(), EventsKey, 0, -1)
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	events := make([]json.RawMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		events = append(events, json.RawMessage(raw[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

type cachedResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	CachedAt   time.Time         `json:"cached_at"`
}

// GetIdempotency returns the cached response stored under a key.
func (h *WebhookHandler) GetIdempotency(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	record, err := h.idem.GetCachedResponse(r.Context(), key)
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "not_found",
			"message": "No cached response for this key",
		})
		return
	}

	body := json.RawMessage(record.Body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(record.Body))
		body = quoted
	}
	writeJSON(w, http.StatusOK, cachedResponse{
		StatusCode: record.StatusCode,
		Headers:    record.Headers,
		Body:       body,
		CachedAt:   record.CachedAt,
	})
}

// DeleteIdempotency clears the record and lock of a key.
func (h *WebhookHandler) DeleteIdempotency(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.idem.Invalidate(r.Context(), key); err != nil {
		sendError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "key": key})
}
