package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
)

const tracerName = "github.com/yourusername/fencekit/idempotency"

// Outcomes reported to the Recorder.
const (
	OutcomeReplayed   = "replayed"
	OutcomeProcessed  = "processed"
	OutcomeContended  = "contended"
	OutcomeStoreError = "store_error"
)

// Replay headers.
const (
	HeaderCached   = "X-Cached"
	HeaderCachedAt = "X-Cached-At"
)

// Middleware applies the idempotency protocol to every request that
// carries an idempotency key. Requests without one pass straight through.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Process(w, r, next)
	})
}

// Process runs next at most once per idempotency key while a record exists.
//
//  1. A cached record is replayed verbatim with X-Cached: true.
//  2. Otherwise the request takes the in-flight lock. A request that loses
//     the lock waits once, re-checks, and runs next anyway if no record has
//     appeared (at-least-once).
//  3. 2xx responses are cached; anything else is not.
//
// Store failures are logged and the request is processed normally.
func (s *Store) Process(w http.ResponseWriter, r *http.Request, next http.Handler) {
	key := ExtractKey(r)
	if key == "" {
		next.ServeHTTP(w, r)
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "idempotency.Process")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key))
	r = r.WithContext(ctx)

	record, err := s.GetCachedResponse(ctx, key)
	if err != nil {
		s.failOpen(w, r, next, key, err)
		return
	}
	if record != nil {
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		s.recorder.RecordIdempotency(OutcomeReplayed)
		replay(w, record)
		return
	}

	// Buffer the body for hashing, bounded like the handlers behind us
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	acquired, err := s.TryAcquire(ctx, key, core.RequestMeta{
		BodyHash:  BodyHash(body),
		Method:    r.Method,
		URL:       r.URL.String(),
		Timestamp: s.now(),
	})
	if err != nil {
		s.failOpen(w, r, next, key, err)
		return
	}

	if !acquired {
		s.recorder.RecordIdempotency(OutcomeContended)
		span.AddEvent("lock contended")

		if !sleepContext(ctx, s.contentionWait) {
			s.logger.Warn("request ended while waiting for duplicate",
				zap.String("idempotency_key", key),
				zap.Error(ctx.Err()),
			)
			http.Error(w, "request cancelled while a duplicate is in flight", http.StatusServiceUnavailable)
			return
		}

		record, err := s.GetCachedResponse(ctx, key)
		if err == nil && record != nil {
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			s.recorder.RecordIdempotency(OutcomeReplayed)
			replay(w, record)
			return
		}
		s.logger.Info("duplicate request still in flight, processing anyway",
			zap.String("idempotency_key", key),
		)
	}

	// Headers set by outer middleware (rate limit budget, request id) belong
	// to this response only; the record keeps what the handler wrote.
	outer := w.Header().Clone()
	capture := newResponseCapture(w)
	next.ServeHTTP(capture, r)
	s.recorder.RecordIdempotency(OutcomeProcessed)
	span.SetAttributes(attribute.Int("http.status_code", capture.status))

	if capture.status < 200 || capture.status >= 300 {
		return
	}

	if err := s.CacheResponse(ctx, key, capture.status, flattenHeaders(handlerHeaders(outer, w.Header())), capture.body.Bytes()); err != nil {
		span.RecordError(err)
		s.logger.Warn("failed to cache idempotent response",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

func (s *Store) failOpen(w http.ResponseWriter, r *http.Request, next http.Handler, key string, err error) {
	s.recorder.RecordIdempotency(OutcomeStoreError)
	s.logger.Warn("idempotency store unavailable, processing without deduplication",
		zap.String("idempotency_key", key),
		zap.Error(err),
	)
	next.ServeHTTP(w, r)
}

// replay writes a cached record to w.
func replay(w http.ResponseWriter, record *core.Record) {
	for name, value := range record.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(HeaderCached, "true")
	w.Header().Set(HeaderCachedAt, strconv.FormatInt(record.CachedAt.Unix(), 10))
	w.WriteHeader(record.StatusCode)
	w.Write(record.Body)
}

// handlerHeaders returns the headers in after that are new or changed
// relative to before.
func handlerHeaders(before, after http.Header) http.Header {
	out := make(http.Header, len(after))
	for name, values := range after {
		if prev, ok := before[name]; ok && equalValues(prev, values) {
			continue
		}
		out[name] = values
	}
	return out
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// responseCapture passes the response through while keeping a copy of the
// status and body for caching.
type responseCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w, status: http.StatusOK}
}

func (c *responseCapture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(status)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *responseCapture) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
