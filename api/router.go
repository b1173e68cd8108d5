package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/idempotency"
	"github.com/yourusername/fencekit/metrics"
	"github.com/yourusername/fencekit/queue"
	"github.com/yourusername/fencekit/ratelimit"
	"github.com/yourusername/fencekit/store"
)

// RouterConfig holds the dependencies of the HTTP surface.
type RouterConfig struct {
	Store       store.Store
	Idempotency *idempotency.Store
	Queue       *queue.WorkQueue
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// CheckPolicy is the default policy of POST /check.
	CheckPolicy core.Config

	// Limiters maps a route group ("/webhook", "/notifications") to its
	// limiter. A missing entry leaves the group unlimited.
	Limiters map[string]*ratelimit.TokenBucket

	// WebhookDelay simulates webhook processing time.
	WebhookDelay time.Duration
}

// NewRouter builds the chi router for the API process.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/health", NewHealthHandler(cfg.Store))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/stats", NewStatsHandler(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
		r.Get("/dashboard", Dashboard)
	}

	var recorder MetricsRecorder
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}
	check := NewHandler(cfg.Store, cfg.CheckPolicy, recorder, logger)
	r.Post("/check", check.CheckRateLimit)

	if cfg.Idempotency != nil {
		webhook := NewWebhookHandler(cfg.Store, cfg.Idempotency, logger, cfg.WebhookDelay)
		r.Route("/webhook", func(r chi.Router) {
			useLimiter(r, cfg.Limiters["/webhook"])
			r.With(cfg.Idempotency.Middleware).Post("/", webhook.Process)
			r.Post("/no-idempotency", webhook.Process)
			r.Get("/events", webhook.Events)
			r.Get("/idempotency/{key}", webhook.GetIdempotency)
			r.Delete("/idempotency/{key}", webhook.DeleteIdempotency)
		})
	}

	if cfg.Queue != nil {
		notifications := NewNotificationHandler(cfg.Queue, logger)
		r.Route("/notifications", func(r chi.Router) {
			useLimiter(r, cfg.Limiters["/notifications"])
			r.Post("/", notifications.Create)
			r.Get("/dlq/stats", notifications.DeadLetterStats)
			r.Get("/{id}", notifications.Status)
		})
	}

	return r
}

func useLimiter(r chi.Router, limiter *ratelimit.TokenBucket) {
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
