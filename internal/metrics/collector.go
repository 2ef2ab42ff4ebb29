package metrics

import (
	"strconv"
	"time"

	"github.com/BaSui01/agentmemory/internal/database"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	_ memory.Recorder          = (*Collector)(nil)
	_ transition.EventRecorder = (*Collector)(nil)
	_ database.StatsRecorder   = (*Collector)(nil)
)

// Option 配置 Collector
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer 注册到指定 registry，默认 prometheus.DefaultRegisterer
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// Collector 实现记忆层、转换事件、抽取与连接池的全部 Recorder 接口
type Collector struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpSize     *prometheus.HistogramVec

	stores        *prometheus.CounterVec
	promotions    *prometheus.CounterVec
	tierUnits     *prometheus.GaugeVec
	consolidation prometheus.Histogram

	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	monitorRuns *prometheus.CounterVec

	extractions       *prometheus.CounterVec
	extractionLatency *prometheus.HistogramVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	dbOpen *prometheus.GaugeVec
	dbIdle *prometheus.GaugeVec
}

// NewCollector 在 namespace 下注册全部指标。同一 registry 上重复注册会 panic。
func NewCollector(namespace string, logger *zap.Logger, opts ...Option) *Collector {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(o.registerer)

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	gauge := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	c := &Collector{
		httpRequests: counter("http", "requests_total", "HTTP requests by method, route and status class.", "method", "path", "status"),
		httpDuration: histogram("http", "request_duration_seconds", "HTTP request latency.", prometheus.DefBuckets, "method", "path"),
		httpSize:     histogram("http", "response_size_bytes", "HTTP response body size.", prometheus.ExponentialBuckets(100, 10, 8), "method", "path"),

		stores:     counter("memory", "stores_total", "Units written, by tier.", "tier"),
		promotions: counter("memory", "promotions_total", "Units moved between tiers.", "from", "to"),
		tierUnits:  gauge("memory", "tier_units", "Units currently held, by tier.", "tier"),
		consolidation: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "memory", Name: "consolidation_group_size",
			Help:    "Episodes merged per consolidation.",
			Buckets: []float64{2, 3, 5, 8, 13, 21},
		}),

		events:      counter("transition", "events_total", "Transition events dispatched, by type.", "type"),
		dropped:     counter("transition", "events_dropped_total", "Transition events dropped, by reason.", "reason"),
		monitorRuns: counter("transition", "monitor_fired_total", "Monitor callbacks, by monitor and outcome.", "monitor", "status"),

		extractions:       counter("extraction", "requests_total", "Concept extraction calls.", "extractor", "status"),
		extractionLatency: histogram("extraction", "duration_seconds", "Concept extraction latency.", []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30}, "extractor"),

		cacheLookups:   counter("cache", "lookups_total", "Scored cache lookups, by cache and result.", "cache_type", "result"),
		cacheEvictions: counter("cache", "evictions_total", "Scored cache evictions.", "cache_type", "reason"),

		dbOpen: gauge("db", "connections_open", "Open SQL connections.", "database"),
		dbIdle: gauge("db", "connections_idle", "Idle SQL connections.", "database"),
	}
	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest path 应为路由模式而非原始 URL，避免标签基数膨胀
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func (c *Collector) RecordStore(tier string) { c.stores.WithLabelValues(tier).Inc() }

func (c *Collector) RecordPromotion(from, to string) { c.promotions.WithLabelValues(from, to).Inc() }

func (c *Collector) RecordConsolidation(groupSize int) { c.consolidation.Observe(float64(groupSize)) }

func (c *Collector) RecordTierSize(tier string, size int) {
	c.tierUnits.WithLabelValues(tier).Set(float64(size))
}

func (c *Collector) RecordEvent(eventType string) { c.events.WithLabelValues(eventType).Inc() }

func (c *Collector) RecordEventDropped(reason string) { c.dropped.WithLabelValues(reason).Inc() }

func (c *Collector) RecordMonitorFired(monitorID string, ok bool) {
	c.monitorRuns.WithLabelValues(monitorID, strconv.FormatBool(ok)).Inc()
}

// RecordExtraction 记录一次概念抽取调用
func (c *Collector) RecordExtraction(extractor string, ok bool, duration time.Duration) {
	c.extractions.WithLabelValues(extractor, strconv.FormatBool(ok)).Inc()
	c.extractionLatency.WithLabelValues(extractor).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheLookups.WithLabelValues(cacheType, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheLookups.WithLabelValues(cacheType, "miss").Inc()
}

func (c *Collector) RecordCacheEviction(cacheType, reason string) {
	c.cacheEvictions.WithLabelValues(cacheType, reason).Inc()
}

// RecordDBConnections 由连接池探活时调用
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbOpen.WithLabelValues(database).Set(float64(open))
	c.dbIdle.WithLabelValues(database).Set(float64(idle))
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
