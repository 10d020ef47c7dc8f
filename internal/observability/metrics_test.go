package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		require.NotNil(t, m)
		assert.NotNil(t, m.PromLookupDuration)
		assert.NotNil(t, m.PromUpstreamDuration)
	})

	t.Run("two instances on separate registries do not collide", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewMetrics(prometheus.NewRegistry())
			NewMetrics(prometheus.NewRegistry())
		})
	})
}

func TestMetricsObserveLookup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveLookup("api", 120*time.Millisecond)
	m.ObserveLookup("cache", time.Millisecond)
	m.ObserveLookup("cache", time.Millisecond)
	m.ObserveLookup("fallback", time.Second)

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.Lookups)
	assert.Equal(t, int64(1), snap.Fallbacks)
	assert.InDelta(t, 2, testutil.ToFloat64(m.promLookups.WithLabelValues("cache")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promLookups.WithLabelValues("api")), 0)
}

func TestMetricsLookupErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncLookupError("quota_exceeded")
	m.IncLookupError("quota_exceeded")
	m.IncLookupError("invalid_format")

	assert.Equal(t, int64(3), m.Snapshot().LookupErrors)
	assert.InDelta(t, 2, testutil.ToFloat64(m.promClientErrors.WithLabelValues("quota_exceeded")), 0)
}

func TestMetricsCacheOps(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncCacheHit()
	m.IncCacheMiss()
	m.IncCacheMiss()
	m.IncCacheStore()
	m.AddCachePurged(3)
	m.AddCachePurged(0)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(2), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.CacheStores)
	assert.Equal(t, int64(3), snap.CachePurges)
	assert.InDelta(t, 3, testutil.ToFloat64(m.promCacheOps.WithLabelValues("purge")), 0)
}

func TestMetricsUpstream(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveUpstream("ok", 80*time.Millisecond)
	m.ObserveUpstream("upstream_timeout", 10*time.Second)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.UpstreamCalls)
	assert.Equal(t, int64(1), snap.UpstreamErrors)
	assert.Equal(t, 2, testutil.CollectAndCount(m.PromUpstreamDuration))
}

func TestMetricsBreaker(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetBreakerPhase("closed")
	assert.InDelta(t, 1, testutil.ToFloat64(m.promBreakerState.WithLabelValues("closed")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.promBreakerState.WithLabelValues("open")), 0)

	m.ObserveBreakerTransition("closed", "open")
	assert.InDelta(t, 0, testutil.ToFloat64(m.promBreakerState.WithLabelValues("closed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promBreakerState.WithLabelValues("open")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promBreakerChanges.WithLabelValues("closed", "open")), 0)

	m.ObserveBreakerTransition("open", "half_open")
	assert.Equal(t, int64(1), m.Snapshot().BreakerOpens)
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncQuotaDenied()
		m.IncDeduplicated()
		m.IncDeduplicated()
		m.IncEventsDropped()
		m.IncEventsSendFailures()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.QuotaDenied)
		assert.Equal(t, int64(2), snap.Deduplicated)
		assert.Equal(t, int64(1), snap.EventsDropped)
		assert.Equal(t, int64(1), snap.EventsSendFailures)
		assert.InDelta(t, 1, testutil.ToFloat64(m.PromEventsSendFailures), 0)

		m.IncQuotaDenied()
		assert.Equal(t, int64(1), snap.QuotaDenied, "snapshot is a copy")
	})
}
