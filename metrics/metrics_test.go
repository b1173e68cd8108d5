package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	m := New("test")

	m.RecordRequest("alice", true)
	m.RecordRequest("alice", false)
	m.RecordRequest("bob", true)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.AllowedRequests)
	assert.Equal(t, int64(1), snap.BlockedRequests)
	assert.Equal(t, int64(2), snap.UniqueClients)
	require.Len(t, snap.TopClients, 2)
	assert.Equal(t, "alice", snap.TopClients[0].ClientID)
	assert.Equal(t, int64(1), snap.TopClients[0].BlockedRequests)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.rateLimitDecisions.WithLabelValues("allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimitDecisions.WithLabelValues("blocked")))
}

func TestSnapshot_TopClientsLimit(t *testing.T) {
	m := New("test")
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			m.RecordRequest(fmt.Sprintf("client-%02d", i), true)
		}
	}

	snap := m.GetSnapshot()
	assert.Equal(t, int64(15), snap.UniqueClients)
	require.Len(t, snap.TopClients, topClientsLimit)
	assert.Equal(t, "client-14", snap.TopClients[0].ClientID)
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := New("test")
	m.RecordRequest("alice", true)

	snap := m.GetSnapshot()
	snap.TopClients[0].TotalRequests = 100

	assert.Equal(t, int64(1), m.GetSnapshot().TopClients[0].TotalRequests)
}

func TestRecordIdempotencyAndJobs(t *testing.T) {
	m := New("test")

	m.RecordIdempotency("replayed")
	m.RecordIdempotency("replayed")
	m.RecordIdempotency("processed")
	m.RecordJob("notification", "succeeded", 50*time.Millisecond)
	m.RecordJob("notification", "retried", 0)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.Idempotency["replayed"])
	assert.Equal(t, int64(1), snap.Idempotency["processed"])
	assert.Equal(t, int64(1), snap.Jobs["succeeded"])
	assert.Equal(t, int64(1), snap.Jobs["retried"])

	assert.Equal(t, float64(2), testutil.ToFloat64(m.idempotency.WithLabelValues("replayed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobs.WithLabelValues("notification", "succeeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestConcurrentRecording(t *testing.T) {
	m := New("test")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordRequest(fmt.Sprintf("client-%d", i%5), i%2 == 0)
			m.RecordIdempotency("processed")
		}(i)
	}
	wg.Wait()

	snap := m.GetSnapshot()
	assert.Equal(t, int64(50), snap.TotalRequests)
	assert.Equal(t, int64(5), snap.UniqueClients)
	assert.Equal(t, int64(50), snap.Idempotency["processed"])
}

func TestHandler(t *testing.T) {
	m := New("test")
	m.RecordRequest("alice", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `test_ratelimit_decisions_total{decision="blocked"} 1`))
}
