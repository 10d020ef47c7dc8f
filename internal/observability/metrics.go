// Package observability provides Prometheus metrics, health probes,
// structured logging, and OpenTelemetry tracing for platelookup.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "platelookup"

// Breaker phases as exported by the platelookup_breaker_state gauge.
var breakerPhases = []string{"closed", "open", "half_open"}

// Metrics holds Prometheus collectors plus atomic counters that back
// Snapshot for the admin stats endpoint.
type Metrics struct {
	lookups         atomic.Int64
	fallbacks       atomic.Int64
	clientErrors    atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	cacheStores     atomic.Int64
	cachePurges     atomic.Int64
	quotaDenied     atomic.Int64
	upstreamCalls   atomic.Int64
	upstreamErrors  atomic.Int64
	dedupedLookups  atomic.Int64
	breakerOpens    atomic.Int64
	eventsDropped   atomic.Int64
	eventsSendFails atomic.Int64

	promLookups        *prometheus.CounterVec
	promClientErrors   *prometheus.CounterVec
	promCacheOps       *prometheus.CounterVec
	promQuotaDenied    prometheus.Counter
	promDeduped        prometheus.Counter
	promBreakerState   *prometheus.GaugeVec
	promBreakerChanges *prometheus.CounterVec
	promEventsDropped  prometheus.Counter

	// PromLookupDuration is end-to-end lookup latency by data origin.
	PromLookupDuration *prometheus.HistogramVec
	// PromUpstreamDuration is upstream call latency by outcome.
	PromUpstreamDuration *prometheus.HistogramVec
	// PromEventsSendFailures counts event batches dropped after retries.
	PromEventsSendFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg (the default
// registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Total lookups resolved, by data origin (cache, api, fallback).",
		}, []string{"origin"}),
		promClientErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_errors_total",
			Help:      "Total lookups that failed, by error category.",
		}, []string{"category"}),
		promCacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Record cache operations (hit, miss, store, purge).",
		}, []string{"op"}),
		promQuotaDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denied_total",
			Help:      "Total lookups rejected because the client quota was exhausted.",
		}),
		promDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_deduplicated_total",
			Help:      "Total lookups that shared an in-flight upstream call.",
		}),
		promBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Upstream circuit phase; 1 for the current phase, 0 otherwise.",
		}, []string{"phase"}),
		promBreakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Upstream circuit phase transitions.",
		}, []string{"from", "to"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lookup events dropped because the buffer was full.",
		}),
		PromLookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream plate API call duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		PromEventsSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_send_failures_total",
			Help:      "Lookup event batches dropped after exhausting retries.",
		}),
	}
}

// ObserveLookup counts a resolved lookup and its latency.
func (m *Metrics) ObserveLookup(origin string, d time.Duration) {
	m.lookups.Add(1)
	if origin == "fallback" {
		m.fallbacks.Add(1)
	}
	m.promLookups.WithLabelValues(origin).Inc()
	m.PromLookupDuration.WithLabelValues(origin).Observe(d.Seconds())
}

// IncLookupError counts a lookup failure by error category.
func (m *Metrics) IncLookupError(category string) {
	m.clientErrors.Add(1)
	m.promClientErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) IncCacheHit() {
	m.cacheHits.Add(1)
	m.promCacheOps.WithLabelValues("hit").Inc()
}

func (m *Metrics) IncCacheMiss() {
	m.cacheMisses.Add(1)
	m.promCacheOps.WithLabelValues("miss").Inc()
}

func (m *Metrics) IncCacheStore() {
	m.cacheStores.Add(1)
	m.promCacheOps.WithLabelValues("store").Inc()
}

// AddCachePurged counts n entries removed by delete, flush or sweep.
func (m *Metrics) AddCachePurged(n int) {
	if n <= 0 {
		return
	}
	m.cachePurges.Add(int64(n))
	m.promCacheOps.WithLabelValues("purge").Add(float64(n))
}

func (m *Metrics) IncQuotaDenied() {
	m.quotaDenied.Add(1)
	m.promQuotaDenied.Inc()
}

// IncDeduplicated counts a caller that joined another caller's upstream call.
func (m *Metrics) IncDeduplicated() {
	m.dedupedLookups.Add(1)
	m.promDeduped.Inc()
}

// ObserveUpstream records one upstream call. outcome is "ok" or an error
// category.
func (m *Metrics) ObserveUpstream(outcome string, d time.Duration) {
	m.upstreamCalls.Add(1)
	if outcome != "ok" {
		m.upstreamErrors.Add(1)
	}
	m.PromUpstreamDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetBreakerPhase sets the phase gauge so exactly one phase reads 1.
func (m *Metrics) SetBreakerPhase(phase string) {
	for _, p := range breakerPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.promBreakerState.WithLabelValues(p).Set(v)
	}
}

// ObserveBreakerTransition counts a phase change and updates the gauge.
func (m *Metrics) ObserveBreakerTransition(from, to string) {
	if to == "open" {
		m.breakerOpens.Add(1)
	}
	m.promBreakerChanges.WithLabelValues(from, to).Inc()
	m.SetBreakerPhase(to)
}

func (m *Metrics) IncEventsDropped() {
	m.eventsDropped.Add(1)
	m.promEventsDropped.Inc()
}

func (m *Metrics) IncEventsSendFailures() {
	m.eventsSendFails.Add(1)
	m.PromEventsSendFailures.Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Lookups            int64 `json:"lookups"`
	Fallbacks          int64 `json:"fallbacks"`
	LookupErrors       int64 `json:"lookup_errors"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`
	CacheStores        int64 `json:"cache_stores"`
	CachePurges        int64 `json:"cache_purges"`
	QuotaDenied        int64 `json:"quota_denied"`
	UpstreamCalls      int64 `json:"upstream_calls"`
	UpstreamErrors     int64 `json:"upstream_errors"`
	Deduplicated       int64 `json:"deduplicated"`
	BreakerOpens       int64 `json:"breaker_opens"`
	EventsDropped      int64 `json:"events_dropped"`
	EventsSendFailures int64 `json:"events_send_failures"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Lookups:            m.lookups.Load(),
		Fallbacks:          m.fallbacks.Load(),
		LookupErrors:       m.clientErrors.Load(),
		CacheHits:          m.cacheHits.Load(),
		CacheMisses:        m.cacheMisses.Load(),
		CacheStores:        m.cacheStores.Load(),
		CachePurges:        m.cachePurges.Load(),
		QuotaDenied:        m.quotaDenied.Load(),
		UpstreamCalls:      m.upstreamCalls.Load(),
		UpstreamErrors:     m.upstreamErrors.Load(),
		Deduplicated:       m.dedupedLookups.Load(),
		BreakerOpens:       m.breakerOpens.Load(),
		EventsDropped:      m.eventsDropped.Load(),
		EventsSendFailures: m.eventsSendFails.Load(),
	}
}
