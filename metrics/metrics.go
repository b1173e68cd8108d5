// Package metrics records rate-limit, idempotency and job outcomes as
// Prometheus collectors and keeps a JSON snapshot for the stats endpoint.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const topClientsLimit = 10

// Metrics implements the Recorder interfaces of ratelimit, idempotency and
// queue.
type Metrics struct {
	registry *prometheus.Registry

	rateLimitDecisions *prometheus.CounterVec
	idempotency        *prometheus.CounterVec
	jobs               *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec

	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	blockedRequests atomic.Int64

	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	idemCounts  map[string]int64
	jobCounts   map[string]int64
	startTime   time.Time
	now         func() time.Time
}

// ClientStats tracks statistics for a specific client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// New creates a Metrics with its own registry. namespace prefixes every
// collector name.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fencekit"
	}

	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		clientStats: make(map[string]*ClientStats),
		idemCounts:  make(map[string]int64),
		jobCounts:   make(map[string]int64),
		startTime:   time.Now(),
		now:         time.Now,
	}

	m.rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"decision"},
	)

	m.idempotency = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Total number of idempotent requests by outcome",
		},
		[]string{"outcome"},
	)

	m.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of job runs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	m.registry.MustRegister(
		m.rateLimitDecisions,
		m.idempotency,
		m.jobs,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a rate limit check
func (m *Metrics) RecordRequest(clientID string, allowed bool) {
	m.totalRequests.Add(1)

	decision := "blocked"
	if allowed {
		m.allowedRequests.Add(1)
		decision = "allowed"
	} else {
		m.blockedRequests.Add(1)
	}
	m.rateLimitDecisions.WithLabelValues(decision).Inc()

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.clientStats[clientID]
	if !exists {
		stats = &ClientStats{
			ClientID:       clientID,
			FirstRequestAt: now,
		}
		m.clientStats[clientID] = stats
	}

	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = now
}

// RecordIdempotency records the outcome of one idempotent request.
func (m *Metrics) RecordIdempotency(outcome string) {
	m.idempotency.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.idemCounts[outcome]++
	m.mu.Unlock()
}

// RecordJob records one settled job run.
func (m *Metrics) RecordJob(jobType, outcome string, duration time.Duration) {
	m.jobs.WithLabelValues(jobType, outcome).Inc()
	if duration > 0 {
		m.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	}

	m.mu.Lock()
	m.jobCounts[outcome]++
	m.mu.Unlock()
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests   int64            `json:"total_requests"`
	AllowedRequests int64            `json:"allowed_requests"`
	BlockedRequests int64            `json:"blocked_requests"`
	UniqueClients   int64            `json:"unique_clients"`
	TopClients      []*ClientStats   `json:"top_clients"`
	Idempotency     map[string]int64 `json:"idempotency"`
	Jobs            map[string]int64 `json:"jobs"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	StartTime       time.Time        `json:"start_time"`
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topClients := make([]*ClientStats, 0, len(m.clientStats))
	for _, stats := range m.clientStats {
		c := *stats
		topClients = append(topClients, &c)
	}
	sort.Slice(topClients, func(i, j int) bool {
		if topClients[i].TotalRequests != topClients[j].TotalRequests {
			return topClients[i].TotalRequests > topClients[j].TotalRequests
		}
		return topClients[i].ClientID < topClients[j].ClientID
	})
	if len(topClients) > topClientsLimit {
		topClients = topClients[:topClientsLimit]
	}

	return &Snapshot{
		TotalRequests:   m.totalRequests.Load(),
		AllowedRequests: m.allowedRequests.Load(),
		BlockedRequests: m.blockedRequests.Load(),
		UniqueClients:   int64(len(m.clientStats)),
		TopClients:      topClients,
		Idempotency:     copyCounts(m.idemCounts),
		Jobs:            copyCounts(m.jobCounts),
		UptimeSeconds:   int64(m.now().Sub(m.startTime).Seconds()),
		StartTime:       m.startTime,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
