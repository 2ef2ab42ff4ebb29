package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("agentmemory", zap.NewNop(), WithRegisterer(reg)), reg
}

func TestCollector_MetricNames(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordHTTPRequest("GET", "/api/v1/stats", 200, time.Millisecond, 10)
	c.RecordStore("working")
	c.RecordEvent("SIGNAL")
	c.RecordExtraction("heuristic", true, time.Millisecond)
	c.RecordCacheHit("episodic_importance")
	c.RecordDBConnections("sqlite", 1, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	for _, want := range []string{
		"agentmemory_http_requests_total",
		"agentmemory_memory_stores_total",
		"agentmemory_transition_events_total",
		"agentmemory_extraction_requests_total",
		"agentmemory_cache_lookups_total",
		"agentmemory_db_connections_open",
	} {
		assert.Contains(t, names, want)
	}
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("agentmemory", nil, WithRegisterer(reg))
	assert.Panics(t, func() { NewCollector("agentmemory", nil, WithRegisterer(reg)) })
}

func TestCollector_HTTPStatusClasses(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordHTTPRequest("GET", "/api/v1/memory/search", 200, 100*time.Millisecond, 2048)
	c.RecordHTTPRequest("GET", "/api/v1/memory/search", 204, 50*time.Millisecond, 0)
	c.RecordHTTPRequest("POST", "/api/v1/memory/working", 503, 10*time.Millisecond, 64)
	c.RecordHTTPRequest("POST", "/api/v1/memory/working", 42, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/v1/memory/search", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/memory/working", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/memory/working", "unknown")))
}

func TestCollector_TierMetrics(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordStore("working")
	c.RecordStore("working")
	c.RecordPromotion("working", "episodic")
	c.RecordTierSize("working", 7)
	c.RecordTierSize("working", 3)
	c.RecordConsolidation(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stores.WithLabelValues("working")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promotions.WithLabelValues("working", "episodic")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.tierUnits.WithLabelValues("working")), "gauge keeps the last value")
	assert.Equal(t, 1, testutil.CollectAndCount(c.consolidation))
}

func TestCollector_TransitionAndExtraction(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordEvent("TRANSITION_COMPLETED")
	c.RecordEventDropped("subscriber_full")
	c.RecordMonitorFired("builtin.capacity", true)
	c.RecordMonitorFired("builtin.capacity", false)
	c.RecordExtraction("llm", false, time.Second)

	expected := `
# HELP agentmemory_transition_monitor_fired_total Monitor callbacks, by monitor and outcome.
# TYPE agentmemory_transition_monitor_fired_total counter
agentmemory_transition_monitor_fired_total{monitor="builtin.capacity",status="false"} 1
agentmemory_transition_monitor_fired_total{monitor="builtin.capacity",status="true"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"agentmemory_transition_monitor_fired_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped.WithLabelValues("subscriber_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.extractions.WithLabelValues("llm", "false")))
}

func TestCollector_CacheAndPool(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordCacheHit("episodic_importance")
	c.RecordCacheMiss("episodic_importance")
	c.RecordCacheMiss("episodic_importance")
	c.RecordCacheEviction("episodic_importance", "capacity")
	c.RecordDBConnections("sqlite", 10, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("episodic_importance", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("episodic_importance", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvictions.WithLabelValues("episodic_importance", "capacity")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.dbOpen.WithLabelValues("sqlite")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbIdle.WithLabelValues("sqlite")))
}

func TestCollector_AsWorkingMemoryRecorder(t *testing.T) {
	c, _ := newTestCollector(t)
	wm := memory.NewWorkingMemory(memory.WorkingConfig{MaxCapacity: 4}, nil, nil, memory.WithRecorder(c))

	_, err := wm.Store(t.Context(), "remember the milk", types.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stores.WithLabelValues("working")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierUnits.WithLabelValues("working")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/api/v1/stats", 200, time.Millisecond, 1024)
			c.RecordStore("episodic")
			c.RecordCacheHit("redis")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.stores.WithLabelValues("episodic")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("redis", "hit")))
}
