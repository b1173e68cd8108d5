package idempotency

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/fencekit/store"
)

// countingHandler answers with a body that changes on every invocation, so
// a replay is distinguishable from a second run.
type countingHandler struct {
	calls  atomic.Int32
	status int
	block  chan struct{}
	start  chan struct{}
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.calls.Add(1)
	if h.start != nil && n == 1 {
		close(h.start)
	}
	if h.block != nil {
		<-h.block
	}

	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"event_id":%d}`, n)
}

func post(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *outcomeRecorder) RecordIdempotency(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func TestProcess_SequentialDuplicateIsReplayed(t *testing.T) {
	recorder := &outcomeRecorder{}
	s := NewStore(store.NewMemoryStore(), WithRecorder(recorder))
	h := &countingHandler{}
	handler := s.Middleware(h)

	first := post(handler, "evt-1", `{"event":"payment.received"}`)
	second := post(handler, "evt-1", `{"event":"payment.received"}`)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	assert.Empty(t, first.Header().Get(HeaderCached))
	assert.Equal(t, "true", second.Header().Get(HeaderCached))
	assert.NotEmpty(t, second.Header().Get(HeaderCachedAt))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, second.Header().Get("Content-Encoding"))

	assert.Equal(t, 1, recorder.outcomes[OutcomeProcessed])
	assert.Equal(t, 1, recorder.outcomes[OutcomeReplayed])
}

func TestProcess_ConcurrentDuplicateWaitsForRecord(t *testing.T) {
	s := NewStore(store.NewMemoryStore(), WithContentionWait(300*time.Millisecond))
	h := &countingHandler{block: make(chan struct{}), start: make(chan struct{})}
	handler := s.Middleware(h)

	var first, second *httptest.ResponseRecorder
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		first = post(handler, "evt-2", `{"n":1}`)
	}()
	<-h.start

	wg.Add(1)
	go func() {
		defer wg.Done()
		second = post(handler, "evt-2", `{"n":1}`)
	}()

	time.Sleep(30 * time.Millisecond)
	close(h.block)
	wg.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Empty(t, first.Header().Get(HeaderCached))
	assert.Equal(t, "true", second.Header().Get(HeaderCached))
}

func TestProcess_ContendedWithoutRecordProcessesAnyway(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewStore(mem, WithContentionWait(time.Millisecond))
	h := &countingHandler{}
	handler := s.Middleware(h)

	// A lock left by a crashed request, with no record.
	ok, err := mem.SetIfAbsent(context.Background(), "idempotency:evt-3:lock", []byte(`{}`), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rr := post(handler, "evt-3", `{}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), h.calls.Load())

	// The result of the fallback run is still cached.
	rr = post(handler, "evt-3", `{}`)
	assert.Equal(t, "true", rr.Header().Get(HeaderCached))
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestProcess_DifferentKeysAreIndependent(t *testing.T) {
	s := NewStore(store.NewMemoryStore())
	h := &countingHandler{}
	handler := s.Middleware(h)

	a := post(handler, "key-a", `{}`)
	b := post(handler, "key-b", `{}`)

	assert.Equal(t, int32(2), h.calls.Load())
	assert.NotEqual(t, a.Body.String(), b.Body.String())
	assert.Empty(t, b.Header().Get(HeaderCached))
}

func TestProcess_NonSuccessIsNotCached(t *testing.T) {
	s := NewStore(store.NewMemoryStore(), WithContentionWait(time.Millisecond))
	h := &countingHandler{status: http.StatusBadRequest}
	handler := s.Middleware(h)

	first := post(handler, "evt-4", `garbage`)
	second := post(handler, "evt-4", `garbage`)

	assert.Equal(t, http.StatusBadRequest, first.Code)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Empty(t, second.Header().Get(HeaderCached))

	record, err := s.GetCachedResponse(context.Background(), "evt-4")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestProcess_NoKeyPassesThrough(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewStore(mem)
	h := &countingHandler{}
	handler := s.Middleware(h)

	post(handler, "", `{}`)
	post(handler, "", `{}`)

	assert.Equal(t, int32(2), h.calls.Load())
	assert.Zero(t, mem.Count())
}

// brokenStore fails every call.
type brokenStore struct {
	store.Store
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func (brokenStore) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}

func TestProcess_StoreUnavailableFailsOpen(t *testing.T) {
	recorder := &outcomeRecorder{}
	s := NewStore(brokenStore{}, WithRecorder(recorder))
	h := &countingHandler{}
	handler := s.Middleware(h)

	first := post(handler, "evt-5", `{}`)
	second := post(handler, "evt-5", `{}`)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, 2, recorder.outcomes[OutcomeStoreError])
}

func TestProcess_HandlerSeesFullBody(t *testing.T) {
	s := NewStore(store.NewMemoryStore())

	var got []byte
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))

	post(handler, "evt-6", `{"payload":true}`)

	assert.Equal(t, `{"payload":true}`, string(got))

	meta, err := s.LockMetadata(context.Background(), "evt-6")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, BodyHash([]byte(`{"payload":true}`)), meta.BodyHash)
	assert.Equal(t, http.MethodPost, meta.Method)
}

func TestProcess_ChangedBodyIsReplayed(t *testing.T) {
	s := NewStore(store.NewMemoryStore())
	h := &countingHandler{}
	handler := s.Middleware(h)

	first := post(handler, "k1", `{"a":1}`)
	second := post(handler, "k1", `{"a":2}`)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Empty(t, first.Header().Get(HeaderCached))
	assert.Equal(t, "true", second.Header().Get(HeaderCached))

	// The lock still carries the hash of the body that was processed.
	meta, err := s.LockMetadata(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, BodyHash([]byte(`{"a":1}`)), meta.BodyHash)
}

func TestProcess_OuterHeadersAreNotCached(t *testing.T) {
	s := NewStore(store.NewMemoryStore())
	h := &countingHandler{}

	remaining := 10
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining--
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
			next.ServeHTTP(w, r)
		})
	}
	handler := outer(s.Middleware(h))

	post(handler, "evt-7", `{}`)
	second := post(handler, "evt-7", `{}`)
	third := post(handler, "evt-7", `{}`)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, "true", third.Header().Get(HeaderCached))
	assert.Equal(t, "8", second.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "7", third.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "application/json", third.Header().Get("Content-Type"))

	record, err := s.GetCachedResponse(context.Background(), "evt-7")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotContains(t, record.Headers, "X-Ratelimit-Remaining")
	assert.Contains(t, record.Headers, "Content-Type")
}

func TestProcess_BodyTooLarge(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewStore(mem, WithMaxBodyBytes(8))
	h := &countingHandler{}
	handler := s.Middleware(h)

	rr := post(handler, "evt-8", `{"payload":"much longer than eight bytes"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, int32(0), h.calls.Load())

	// Nothing was locked, so a correct retry is processed.
	rr = post(handler, "evt-8", `{}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestProcess_CancelledWhileContended(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewStore(mem, WithContentionWait(time.Minute))
	h := &countingHandler{}
	handler := s.Middleware(h)

	ok, err := mem.SetIfAbsent(context.Background(), "idempotency:evt-9:lock", []byte(`{}`), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)).WithContext(ctx)
	req.Header.Set(HeaderIdempotencyKey, "evt-9")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, int32(0), h.calls.Load())
}
