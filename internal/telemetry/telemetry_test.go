package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// restoreGlobals puts the global OTel providers back after the test.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func shutdown(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_DisabledIsInert(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Same(t, before, otel.GetTracerProvider(), "globals untouched")
	assert.NotNil(t, p.Tracer("x"))
	assert.NotNil(t, p.Meter("x"))
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))

	var nilProviders *Providers
	assert.False(t, nilProviders.Enabled())
	assert.NoError(t, nilProviders.Shutdown(context.Background()))
}

func TestInit_InsecureExporter(t *testing.T) {
	restoreGlobals(t)
	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "agentmemory-test"

	// grpc dials lazily so no collector is needed
	p, err := Init(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	shutdown(t, p)
	assert.True(t, p.Enabled())
}

func TestInit_TLSRequiresReadableCA(t *testing.T) {
	restoreGlobals(t)
	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.Insecure = false
	cfg.TLS = tlsutil.Options{CAFile: filepath.Join(t.TempDir(), "missing.pem")}

	_, err := Init(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otlp tls")
}

func TestInitWithExporters_WorkingMemorySpan(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	spans := tracetest.NewInMemoryExporter()

	p, err := InitWithExporters(ctx, config.TelemetryConfig{ServiceName: "agentmemory-test", SampleRate: 1}, spans, nil)
	require.NoError(t, err)
	shutdown(t, p)

	wm := memory.NewWorkingMemory(memory.WorkingConfig{MaxCapacity: 4}, nil, zap.NewNop(),
		memory.WithTracer(p.Tracer(ScopeName)))
	_, err = wm.Store(ctx, "remember the milk", types.Metadata{})
	require.NoError(t, err)
	require.NoError(t, p.ForceFlush(ctx))

	got := spans.GetSpans()
	require.NotEmpty(t, got)
	assert.Equal(t, "memory.working.store", got[0].Name)
	assert.Equal(t, "working", attrValue(got[0].Attributes, "memory.tier"))
	assert.Equal(t, "agentmemory-test", attrValue(got[0].Resource.Attributes(), semconv.ServiceNameKey))
}

func TestInitWithExporters_ZeroSampleRate(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	spans := tracetest.NewInMemoryExporter()

	p, err := InitWithExporters(ctx, config.TelemetryConfig{ServiceName: "agentmemory-test"}, spans, nil)
	require.NoError(t, err)
	shutdown(t, p)

	_, span := p.Tracer(ScopeName).Start(ctx, "dropped")
	span.End()
	require.NoError(t, p.ForceFlush(ctx))
	assert.Empty(t, spans.GetSpans())
}

func TestMemoryRecorder_ExportsInstruments(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := InitWithExporters(ctx, config.TelemetryConfig{ServiceName: "agentmemory-test"}, nil, reader)
	require.NoError(t, err)
	shutdown(t, p)

	rec, err := NewMemoryRecorder(p.Meter(ScopeName))
	require.NoError(t, err)
	rec.RecordStore("working")
	rec.RecordStore("working")
	rec.RecordPromotion("working", "episodic")
	rec.RecordConsolidation(3)
	rec.RecordTierSize("semantic", 12)
	rec.RecordCacheHit("working")
	rec.RecordCacheEviction("working", "capacity")
	rec.RecordEvent("SIGNAL")
	rec.RecordEventDropped("queue_full")
	rec.RecordMonitorFired("builtin.emotion-peak", true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	stored, ok := byName["memory.units.stored"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, stored.DataPoints, 1)
	assert.Equal(t, int64(2), stored.DataPoints[0].Value)

	size, ok := byName["memory.tier.size"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(12), size.DataPoints[0].Value)

	groups, ok := byName["memory.consolidation.group_size"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	assert.Equal(t, uint64(1), groups.DataPoints[0].Count)

	cache, ok := byName["memory.cache.operations"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, cache.DataPoints, 2, "hit and evict are separate series")

	for _, name := range []string{"memory.units.promoted", "memory.transition.events",
		"memory.transition.events_dropped", "memory.transition.monitor_runs"} {
		assert.Contains(t, byName, name)
	}
}

type countingRecorder struct {
	memory.Recorder
	stores int
	events int
}

func (c *countingRecorder) RecordStore(string)              { c.stores++ }
func (c *countingRecorder) RecordEvent(string)              { c.events++ }
func (c *countingRecorder) RecordEventDropped(string)       {}
func (c *countingRecorder) RecordMonitorFired(string, bool) {}

func TestTee_FansOutAndSkipsNil(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	rec := Tee(a, nil, b)
	rec.RecordStore("episodic")
	rec.RecordEvent("TIME_INTERVAL")

	assert.Equal(t, 1, a.stores)
	assert.Equal(t, 1, b.stores)
	assert.Equal(t, 1, b.events)
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion(), "test binaries report (devel)")
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
