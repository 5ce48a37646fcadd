// Package metrics provides Prometheus instrumentation for the dispatcher.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestLatency tracks end-to-end request latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_latency_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"queue", "status"},
	)

	// SlotWaitSeconds tracks time spent waiting to lease a worker slot.
	SlotWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slot_wait_seconds",
			Help:    "Time a request spent queued for a worker slot.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	// ActiveRequests tracks the number of currently in-flight requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_requests",
			Help: "Number of currently in-flight requests.",
		},
	)

	// BacklogDepth tracks requests admitted but not yet completed.
	BacklogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backlog_depth",
			Help: "Requests admitted and pending completion.",
		},
	)

	// RequestsTotal tracks total requests by queue and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests by queue and status.",
		},
		[]string{"queue", "status"}, // status: success, error, malformed, busy, cache_hit
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"model", "direction"}, // direction: "input" or "output"
	)

	// CacheHitsTotal tracks the total number of response cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of response cache hits.",
		},
	)

	// CacheLookupsTotal tracks the total number of response cache lookups.
	CacheLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of response cache lookups.",
		},
	)

	// CacheHitRatio is exposed as a gauge for convenience; Prometheus can
	// also derive it as cache_hits_total / cache_lookups_total.
	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_hit_ratio",
			Help: "Current cache hit ratio (hits / lookups). Computed per-update.",
		},
	)

	// CircuitBreakerState tracks the breaker state per backend endpoint.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"endpoint"},
	)

	// LostResponsesTotal counts responses whose publish attempt failed.
	LostResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lost_responses_total",
			Help: "Responses that could not be published back to the bus.",
		},
	)

	// trackingMu guards the ratio counters; lookups happen on concurrent
	// handler goroutines.
	trackingMu   sync.Mutex
	totalHits    float64
	totalLookups float64
)

// RecordCacheLookup records a cache lookup and updates the hit ratio.
func RecordCacheLookup(hit bool) {
	CacheLookupsTotal.Inc()
	if hit {
		CacheHitsTotal.Inc()
	}

	trackingMu.Lock()
	defer trackingMu.Unlock()
	totalLookups++
	if hit {
		totalHits++
	}
	if totalLookups > 0 {
		CacheHitRatio.Set(totalHits / totalLookups)
	}
}
