package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/metrics"
	"github.com/yourusername/fencekit/store"
)

func postCheck(t *testing.T, handler *Handler, reqBody CheckRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	handler.CheckRateLimit(w, req)
	return w
}

func TestCheckRateLimit_AllowsRequests(t *testing.T) {
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 10, RefillPerSec: 5}, nil, nil)

	w := postCheck(t, handler, CheckRequest{ClientID: "test-user"})

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp CheckResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if !resp.Allowed {
		t.Error("Request should be allowed")
	}
	if resp.Limit != 10 {
		t.Errorf("Limit = %.0f, want 10", resp.Limit)
	}
	if resp.Remaining != 9 {
		t.Errorf("Remaining = %.0f, want 9", resp.Remaining)
	}
}

func TestCheckRateLimit_BlocksWhenExceeded(t *testing.T) {
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 5, RefillPerSec: 2}, nil, nil)
	now := time.UnixMilli(1_700_000_000_000)
	handler.now = func() time.Time { return now }

	// Drain the bucket
	for i := 0; i < 5; i++ {
		postCheck(t, handler, CheckRequest{ClientID: "test-user"})
	}

	w := postCheck(t, handler, CheckRequest{ClientID: "test-user"})

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	var resp CheckResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if resp.Allowed {
		t.Error("Request should be blocked")
	}
	if resp.RetryAfterMs != 500 {
		t.Errorf("RetryAfterMs = %d, want 500", resp.RetryAfterMs)
	}
	if want := now.Add(2500 * time.Millisecond).Unix(); resp.ResetAt != want {
		t.Errorf("ResetAt = %d, want %d", resp.ResetAt, want)
	}
}

func TestCheckRateLimit_MultipleTokens(t *testing.T) {
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 5, RefillPerSec: 1}, nil, nil)

	if w := postCheck(t, handler, CheckRequest{ClientID: "bulk", Tokens: 4}); w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := postCheck(t, handler, CheckRequest{ClientID: "bulk", Tokens: 2}); w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestCheckRateLimit_BadRequests(t *testing.T) {
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 10, RefillPerSec: 5}, nil, nil)
	zero := 0.0

	tests := []struct {
		name string
		req  CheckRequest
	}{
		{name: "missing client id", req: CheckRequest{}},
		{name: "negative tokens", req: CheckRequest{ClientID: "x", Tokens: -1}},
		{name: "zero capacity override", req: CheckRequest{ClientID: "x", Capacity: &zero}},
		{name: "zero refill override", req: CheckRequest{ClientID: "x", RefillPerSec: &zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postCheck(t, handler, tt.req); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	handler.CheckRateLimit(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCheckRateLimit_CustomPolicy(t *testing.T) {
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 10, RefillPerSec: 5}, nil, nil)

	customCapacity := 20.0
	w := postCheck(t, handler, CheckRequest{ClientID: "premium-user", Capacity: &customCapacity})

	var resp CheckResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if resp.Limit != 20 {
		t.Errorf("Limit = %.0f, want 20 (custom policy)", resp.Limit)
	}
}

func TestCheckRateLimit_RecordsMetrics(t *testing.T) {
	m := metrics.New("test")
	handler := NewHandler(store.NewMemoryStore(), core.Config{Capacity: 1, RefillPerSec: 1}, m, nil)

	postCheck(t, handler, CheckRequest{ClientID: "alice"})
	postCheck(t, handler, CheckRequest{ClientID: "alice"})

	snap := m.GetSnapshot()
	if snap.AllowedRequests != 1 || snap.BlockedRequests != 1 {
		t.Errorf("allowed/blocked = %d/%d, want 1/1", snap.AllowedRequests, snap.BlockedRequests)
	}
}

func TestCheckRateLimit_StoreUnavailable(t *testing.T) {
	handler := NewHandler(brokenStore{}, core.Config{Capacity: 10, RefillPerSec: 5}, nil, nil)

	if w := postCheck(t, handler, CheckRequest{ClientID: "x"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
