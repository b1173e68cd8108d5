package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/fanout"
	"github.com/yourusername/fencekit/queue"
)

// NotificationRequest is the body of POST /notifications.
type NotificationRequest struct {
	Recipients []string        `json:"recipients"`
	Message    json.RawMessage `json:"message"`
	JobID      string          `json:"job_id,omitempty"`
}

// NotificationResponse acknowledges an enqueued notification.
type NotificationResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NotificationHandler enqueues fan-out jobs and reports their state.
type NotificationHandler struct {
	queue  *queue.WorkQueue
	logger *zap.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(q *queue.WorkQueue, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{queue: q, logger: logger}
}

// Create handles POST /notifications.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if len(req.Recipients) == 0 {
		sendError(w, http.StatusBadRequest, "missing_recipients", "At least one recipient required")
		return
	}

	job, err := fanout.NewJob(req.JobID, fanout.Notification{
		Recipients: req.Recipients,
		Message:    req.Message,
	})
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}

	id, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			sendError(w, http.StatusBadRequest, "invalid_job", err.Error())
			return
		}
		h.logger.Error("failed to enqueue notification", zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "queue_unavailable", "Could not enqueue notification")
		return
	}

	writeJSON(w, http.StatusAccepted, NotificationResponse{
		JobID:   id,
		Status:  "queued",
		Message: "Notification job queued for processing",
	})
}

// Status handles GET /notifications/{id}.
func (h *NotificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DeadLetterStats handles GET /notifications/dlq/stats.
func (h *NotificationHandler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.DeadLetterStats(r.Context())
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
