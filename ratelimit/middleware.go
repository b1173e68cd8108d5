package ratelimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// rejection is the JSON body sent with 429 and 5xx responses.
type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// Middleware returns an HTTP middleware that applies rate limiting.
//
// Headers set on every limited response:
//   - X-RateLimit-Limit: bucket capacity
//   - X-RateLimit-Remaining: whole tokens left after this request
//
// Rejected requests get 429 with Retry-After set to the time one token
// takes to refill, and X-RateLimit-Reset as a Unix timestamp.
func (tb *TokenBucket) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := tb.AllowRequest(r)
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyExtractionFailed) || errors.Is(err, ErrInvalidKey):
				writeRejection(w, http.StatusBadRequest, rejection{
					Error:   "invalid_client",
					Message: "Could not identify client",
				})
			case tb.failOpen && isStoreFailure(err):
				tb.logger.Warn("rate limiter unavailable, allowing request",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
			default:
				tb.logger.Error("rate limit check failed",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeRejection(w, http.StatusInternalServerError, rejection{
					Error:   "internal_error",
					Message: "Internal Server Error",
				})
			}
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

		if !decision.Allowed {
			retryAfter := tb.bucket.RetryAfterHint()
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(tb.now().Add(decision.RetryAfter).Unix(), 10))
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			writeRejection(w, http.StatusTooManyRequests, rejection{
				Error:      "rate_limit_exceeded",
				Message:    "Rate limit exceeded. Please try again later.",
				RetryAfter: retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRejection(w http.ResponseWriter, status int, body rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// RetryAfterSeconds converts a decision's wait into whole seconds, rounding up.
func (d *Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Second - 1) / time.Second)
}
