package telemetry

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder 记忆空间需要的全部计数接口
type Recorder interface {
	memory.Recorder
	transition.EventRecorder
}

// MemoryRecorder 以 OTel 指标上报记忆层事件，通过 OTLP 推送给 collector
type MemoryRecorder struct {
	cache       metric.Int64Counter
	stores      metric.Int64Counter
	promotions  metric.Int64Counter
	groupSize   metric.Int64Histogram
	tierSize    metric.Int64Gauge
	events      metric.Int64Counter
	dropped     metric.Int64Counter
	monitorRuns metric.Int64Counter
}

// NewMemoryRecorder 在 meter 上注册记忆指标
func NewMemoryRecorder(meter metric.Meter) (*MemoryRecorder, error) {
	r := &MemoryRecorder{}
	var err error
	if r.cache, err = meter.Int64Counter("memory.cache.operations",
		metric.WithDescription("Scored cache lookups and evictions")); err != nil {
		return nil, fmt.Errorf("memory.cache.operations: %w", err)
	}
	if r.stores, err = meter.Int64Counter("memory.units.stored",
		metric.WithDescription("Memory units written per tier")); err != nil {
		return nil, fmt.Errorf("memory.units.stored: %w", err)
	}
	if r.promotions, err = meter.Int64Counter("memory.units.promoted",
		metric.WithDescription("Memory units moved between tiers")); err != nil {
		return nil, fmt.Errorf("memory.units.promoted: %w", err)
	}
	if r.groupSize, err = meter.Int64Histogram("memory.consolidation.group_size",
		metric.WithDescription("Episodes merged per consolidation"),
		metric.WithExplicitBucketBoundaries(2, 3, 5, 8, 13, 21)); err != nil {
		return nil, fmt.Errorf("memory.consolidation.group_size: %w", err)
	}
	if r.tierSize, err = meter.Int64Gauge("memory.tier.size",
		metric.WithDescription("Units currently held per tier")); err != nil {
		return nil, fmt.Errorf("memory.tier.size: %w", err)
	}
	if r.events, err = meter.Int64Counter("memory.transition.events",
		metric.WithDescription("Transition events dispatched")); err != nil {
		return nil, fmt.Errorf("memory.transition.events: %w", err)
	}
	if r.dropped, err = meter.Int64Counter("memory.transition.events_dropped",
		metric.WithDescription("Transition events dropped before dispatch")); err != nil {
		return nil, fmt.Errorf("memory.transition.events_dropped: %w", err)
	}
	if r.monitorRuns, err = meter.Int64Counter("memory.transition.monitor_runs",
		metric.WithDescription("Monitor callbacks run")); err != nil {
		return nil, fmt.Errorf("memory.transition.monitor_runs: %w", err)
	}
	return r, nil
}

func (r *MemoryRecorder) add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (r *MemoryRecorder) RecordCacheHit(cache string) {
	r.add(r.cache, attribute.String("cache", cache), attribute.String("result", "hit"))
}

func (r *MemoryRecorder) RecordCacheMiss(cache string) {
	r.add(r.cache, attribute.String("cache", cache), attribute.String("result", "miss"))
}

func (r *MemoryRecorder) RecordCacheEviction(cache, reason string) {
	r.add(r.cache, attribute.String("cache", cache), attribute.String("result", "evict"),
		attribute.String("reason", reason))
}

func (r *MemoryRecorder) RecordStore(tier string) {
	r.add(r.stores, attribute.String("memory.tier", tier))
}

func (r *MemoryRecorder) RecordPromotion(from, to string) {
	r.add(r.promotions, attribute.String("from", from), attribute.String("to", to))
}

func (r *MemoryRecorder) RecordConsolidation(groupSize int) {
	r.groupSize.Record(context.Background(), int64(groupSize))
}

func (r *MemoryRecorder) RecordTierSize(tier string, size int) {
	r.tierSize.Record(context.Background(), int64(size), metric.WithAttributes(attribute.String("memory.tier", tier)))
}

func (r *MemoryRecorder) RecordEvent(eventType string) {
	r.add(r.events, attribute.String("event", eventType))
}

func (r *MemoryRecorder) RecordEventDropped(reason string) {
	r.add(r.dropped, attribute.String("reason", reason))
}

func (r *MemoryRecorder) RecordMonitorFired(monitorID string, ok bool) {
	r.add(r.monitorRuns, attribute.String("monitor", monitorID), attribute.Bool("ok", ok))
}

// Tee 把每次记录转发给全部 recorder，nil 会被跳过
func Tee(recorders ...Recorder) Recorder {
	out := make(tee, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type tee []Recorder

func (t tee) RecordCacheHit(cache string) {
	for _, r := range t {
		r.RecordCacheHit(cache)
	}
}

func (t tee) RecordCacheMiss(cache string) {
	for _, r := range t {
		r.RecordCacheMiss(cache)
	}
}

func (t tee) RecordCacheEviction(cache, reason string) {
	for _, r := range t {
		r.RecordCacheEviction(cache, reason)
	}
}

func (t tee) RecordStore(tier string) {
	for _, r := range t {
		r.RecordStore(tier)
	}
}

func (t tee) RecordPromotion(from, to string) {
	for _, r := range t {
		r.RecordPromotion(from, to)
	}
}

func (t tee) RecordConsolidation(groupSize int) {
	for _, r := range t {
		r.RecordConsolidation(groupSize)
	}
}

func (t tee) RecordTierSize(tier string, size int) {
	for _, r := range t {
		r.RecordTierSize(tier, size)
	}
}

func (t tee) RecordEvent(eventType string) {
	for _, r := range t {
		r.RecordEvent(eventType)
	}
}

func (t tee) RecordEventDropped(reason string) {
	for _, r := range t {
		r.RecordEventDropped(reason)
	}
}

func (t tee) RecordMonitorFired(monitorID string, ok bool) {
	for _, r := range t {
		r.RecordMonitorFired(monitorID, ok)
	}
}
