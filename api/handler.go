// Package api exposes the rate limiter, idempotent webhook intake and the
// notification queue over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/ratelimit"
	"github.com/yourusername/fencekit/store"
)

// CheckKeyPrefix namespaces buckets used by the check service.
const CheckKeyPrefix = ratelimit.DefaultKeyPrefix + "check:"

// Handler handles rate limit check requests
type Handler struct {
	store         store.Store
	defaultPolicy core.Config
	metrics       MetricsRecorder
	logger        *zap.Logger
	now           func() time.Time
}

// MetricsRecorder defines the interface for recording metrics
type MetricsRecorder interface {
	RecordRequest(clientID string, allowed bool)
}

// NewHandler creates a new API handler
func NewHandler(st store.Store, defaultPolicy core.Config, metrics MetricsRecorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:         st,
		defaultPolicy: defaultPolicy,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	ClientID     string   `json:"client_id"`                // Required: unique identifier (user ID, API key, IP)
	Tokens       int      `json:"tokens,omitempty"`         // Optional: tokens to consume, default 1
	Capacity     *float64 `json:"capacity,omitempty"`       // Optional: override default capacity
	RefillPerSec *float64 `json:"refill_per_sec,omitempty"` // Optional: override default refill rate
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool    `json:"allowed"`
	Remaining    float64 `json:"remaining"`
	Limit        float64 `json:"limit"`
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"`
	ResetAt      int64   `json:"reset_at"` // Unix timestamp when bucket is full
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	// Parse request
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	// Validate client_id and token count
	if req.ClientID == "" {
		sendError(w, http.StatusBadRequest, "missing_client_id", "client_id is required")
		return
	}
	if req.Tokens < 0 {
		sendError(w, http.StatusBadRequest, "invalid_tokens", "tokens must be positive")
		return
	}
	if req.Tokens == 0 {
		req.Tokens = 1
	}

	// Use custom policy if provided, otherwise use default
	policy := h.defaultPolicy
	if req.Capacity != nil {
		policy.Capacity = *req.Capacity
	}
	if req.RefillPerSec != nil {
		policy.RefillPerSec = *req.RefillPerSec
	}
	if policy.Capacity <= 0 || policy.RefillPerSec <= 0 {
		sendError(w, http.StatusBadRequest, "invalid_policy", "capacity and refill_per_sec must be positive")
		return
	}

	bucket := core.NewTokenBucket(policy)
	now := h.now()

	// Refill, decide and persist in one store round trip
	result, err := h.store.TakeTokens(r.Context(), CheckKeyPrefix+req.ClientID, policy, float64(req.Tokens), now, bucket.TTL())
	if err != nil {
		h.logger.Error("rate limit check failed", zap.String("client_id", req.ClientID), zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "store_unavailable", "Rate limit state is unavailable")
		return
	}

	// Record metrics
	if h.metrics != nil {
		h.metrics.RecordRequest(req.ClientID, result.Allowed)
	}

	// Calculate reset time (when bucket will be full)
	secondsToFull := (policy.Capacity - result.Remaining) / policy.RefillPerSec
	resetAt := now.Add(time.Duration(secondsToFull * float64(time.Second))).Unix()

	// Build response
	response := CheckResponse{
		Allowed:      result.Allowed,
		Remaining:    result.Remaining,
		Limit:        result.Limit,
		RetryAfterMs: result.RetryAfterMs,
		ResetAt:      resetAt,
	}

	// Set status code
	statusCode := http.StatusOK
	if !result.Allowed {
		statusCode = http.StatusTooManyRequests
	}
	writeJSON(w, statusCode, response)
}

func sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
