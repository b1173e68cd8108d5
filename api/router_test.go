package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/idempotency"
	"github.com/yourusername/fencekit/metrics"
	"github.com/yourusername/fencekit/queue"
	"github.com/yourusername/fencekit/ratelimit"
	"github.com/yourusername/fencekit/store"
)

// brokenStore fails every call it implements.
type brokenStore struct {
	store.Store
}

func (brokenStore) Ping(context.Context) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (brokenStore) TakeTokens(context.Context, string, core.Config, float64, time.Time, time.Duration) (core.CheckResult, error) {
	return core.CheckResult{}, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	queue   *queue.WorkQueue
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, limiters map[string]*ratelimit.TokenBucket) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	q, err := queue.New(st, "notifications")
	if err != nil {
		t.Fatalf("queue.New() error: %v", err)
	}
	m := metrics.New("test")

	h := NewRouter(RouterConfig{
		Store:       st,
		Idempotency: idempotency.NewStore(st, idempotency.WithRecorder(m)),
		Queue:       q,
		Metrics:     m,
		CheckPolicy: core.Config{Capacity: 10, RefillPerSec: 5},
		Limiters:    limiters,
	})
	return &testServer{handler: h, store: st, queue: q, metrics: m}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	unhealthy := NewRouter(RouterConfig{Store: brokenStore{}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("broken store: Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_WebhookIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"event":"payment.received","data":{"amount":100}}`
	headers := map[string]string{"X-Idempotency-Key": "pay-1"}

	first := srv.do(http.MethodPost, "/webhook", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first: Status = %d, want %d: %s", first.Code, http.StatusOK, first.Body.String())
	}

	second := srv.do(http.MethodPost, "/webhook", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("second: Status = %d, want %d", second.Code, http.StatusOK)
	}
	if second.Header().Get(idempotency.HeaderCached) != "true" {
		t.Error("second response should be replayed from cache")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}

	w := srv.do(http.MethodGet, "/webhook/events", "", nil)
	var events struct {
		Count int `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&events)
	if events.Count != 1 {
		t.Errorf("events count = %d, want 1", events.Count)
	}

	if snap := srv.metrics.GetSnapshot(); snap.Idempotency[idempotency.OutcomeReplayed] != 1 {
		t.Errorf("replayed = %d, want 1", snap.Idempotency[idempotency.OutcomeReplayed])
	}
}

func TestRouter_WebhookWithoutIdempotency(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"event":"payment.received"}`

	for i := 0; i < 2; i++ {
		if w := srv.do(http.MethodPost, "/webhook/no-idempotency", body, nil); w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}
	}

	n, err := srv.store.ListLen(context.Background(), EventsKey)
	if err != nil {
		t.Fatalf("ListLen() error: %v", err)
	}
	if n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestRouter_WebhookEventsOldestFirst(t *testing.T) {
	srv := newTestServer(t, nil)

	srv.do(http.MethodPost, "/webhook/no-idempotency", `{"event":"first"}`, nil)
	srv.do(http.MethodPost, "/webhook/no-idempotency", `{"event":"second"}`, nil)

	w := srv.do(http.MethodGet, "/webhook/events", "", nil)
	var resp struct {
		Events []WebhookEvent `json:"events"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[0].Event != "first" {
		t.Errorf("events = %+v, want first then second", resp.Events)
	}
}

func TestRouter_WebhookInvalidJSONNotCached(t *testing.T) {
	srv := newTestServer(t, nil)
	headers := map[string]string{"X-Idempotency-Key": "bad-1"}

	if w := srv.do(http.MethodPost, "/webhook", `{broken`, headers); w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w := srv.do(http.MethodGet, "/webhook/idempotency/bad-1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("lookup: Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_IdempotencyLookupAndClear(t *testing.T) {
	srv := newTestServer(t, nil)
	headers := map[string]string{"Idempotency-Key": "k1"}

	srv.do(http.MethodPost, "/webhook", `{"event":"a"}`, headers)

	w := srv.do(http.MethodGet, "/webhook/idempotency/k1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var cached struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	}
	json.NewDecoder(w.Body).Decode(&cached)
	if cached.StatusCode != http.StatusOK {
		t.Errorf("cached status = %d, want 200", cached.StatusCode)
	}
	if !bytes.Contains(cached.Body, []byte(`"success"`)) {
		t.Errorf("cached body = %s", cached.Body)
	}

	if w := srv.do(http.MethodDelete, "/webhook/idempotency/k1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: Status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := srv.do(http.MethodGet, "/webhook/idempotency/k1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_Notifications(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(http.MethodPost, "/notifications", `{"recipients":["a@example.com","b@example.com"],"message":{"title":"hi"},"job_id":"n1"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var created NotificationResponse
	json.NewDecoder(w.Body).Decode(&created)
	if created.JobID != "n1" || created.Status != "queued" {
		t.Errorf("response = %+v", created)
	}

	w = srv.do(http.MethodGet, "/notifications/n1", "", nil)
	var status queue.JobStatus
	json.NewDecoder(w.Body).Decode(&status)
	if status.Status != core.JobQueued {
		t.Errorf("status = %s, want queued", status.Status)
	}

	w = srv.do(http.MethodGet, "/notifications/unknown", "", nil)
	json.NewDecoder(w.Body).Decode(&status)
	if status.Status != core.JobNotFound {
		t.Errorf("status = %s, want not_found", status.Status)
	}

	if err := srv.queue.MoveToDeadLetter(context.Background(), "n1", "manual"); err != nil {
		t.Fatalf("MoveToDeadLetter() error: %v", err)
	}
	w = srv.do(http.MethodGet, "/notifications/dlq/stats", "", nil)
	var stats queue.DLQStats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Size != 1 || stats.FailedJobs[0] != "n1" {
		t.Errorf("dlq stats = %+v", stats)
	}
}

func TestRouter_NotificationsValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "no recipients", body: `{"recipients":[],"message":{}}`},
		{name: "invalid json", body: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := srv.do(http.MethodPost, "/notifications", tt.body, nil); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestRouter_RateLimitedGroup(t *testing.T) {
	st := store.NewMemoryStore()
	limiter, err := ratelimit.New(st, ratelimit.WithPolicy(2, 0.1), ratelimit.WithKeyExtractor(ratelimit.ExtractStatic("tenant")))
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	srv := newTestServer(t, map[string]*ratelimit.TokenBucket{"/notifications": limiter})

	for i := 0; i < 2; i++ {
		w := srv.do(http.MethodGet, "/notifications/x", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := srv.do(http.MethodGet, "/notifications/x", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") != "10" {
		t.Errorf("Retry-After = %q, want 10", w.Header().Get("Retry-After"))
	}

	if w := srv.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health should not be limited: Status = %d", w.Code)
	}
}

func TestRouter_ReplayReportsCurrentBudget(t *testing.T) {
	st := store.NewMemoryStore()
	limiter, err := ratelimit.New(st, ratelimit.WithPolicy(10, 0.1), ratelimit.WithKeyExtractor(ratelimit.ExtractStatic("tenant")))
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	srv := newTestServer(t, map[string]*ratelimit.TokenBucket{"/webhook": limiter})
	headers := map[string]string{"X-Idempotency-Key": "k1"}

	for i := 1; i <= 4; i++ {
		w := srv.do(http.MethodPost, "/webhook", `{"event":"payment.received"}`, headers)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %d, want %d", i, w.Code, http.StatusOK)
		}
		if i > 1 && w.Header().Get(idempotency.HeaderCached) != "true" {
			t.Errorf("request %d should be replayed", i)
		}

		want := fmt.Sprint(10 - i)
		if got := w.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %q", i, got, want)
		}
	}

	remaining, err := limiter.Remaining(context.Background(), "tenant")
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 6 {
		t.Errorf("Remaining() = %d, want 6", remaining)
	}
}

func TestRouter_WebhookReplaysDespiteChangedBody(t *testing.T) {
	srv := newTestServer(t, nil)
	headers := map[string]string{"X-Idempotency-Key": "k1"}

	first := srv.do(http.MethodPost, "/webhook", `{"event":"a","data":{"a":1}}`, headers)
	second := srv.do(http.MethodPost, "/webhook", `{"event":"a","data":{"a":2}}`, headers)

	if first.Code != http.StatusOK || second.Code != first.Code {
		t.Fatalf("Status = %d then %d, want %d twice", first.Code, second.Code, http.StatusOK)
	}
	if first.Header().Get(idempotency.HeaderCached) != "" {
		t.Error("first response should not carry the replay header")
	}
	if second.Header().Get(idempotency.HeaderCached) != "true" {
		t.Error("second response should be replayed from cache")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}

	events, err := srv.store.ListLen(context.Background(), EventsKey)
	if err != nil {
		t.Fatalf("ListLen() error: %v", err)
	}
	if events != 1 {
		t.Errorf("stored events = %d, want 1", events)
	}
}

func TestRouter_StatsAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.do(http.MethodPost, "/check", `{"client_id":"alice"}`, nil)

	w := srv.do(http.MethodGet, "/stats", "", nil)
	var snap metrics.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", snap.TotalRequests)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("stats should allow cross-origin reads")
	}

	w = srv.do(http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), "test_ratelimit_decisions_total") {
		t.Error("metrics output missing rate limit counter")
	}
}

func TestRouter_Dashboard(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(http.MethodGet, "/dashboard", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "fetch('/stats')") {
		t.Error("dashboard should poll /stats")
	}
}
