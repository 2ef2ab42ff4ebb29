package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EvictReason explains why an entry left a ScoredCache without an explicit Remove.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
)

// CacheRecorder receives cache hit/miss/eviction counts. Implemented by
// internal/metrics.Collector.
type CacheRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
	RecordCacheEviction(cache, reason string)
}

// ScoredCacheConfig configures a ScoredCache.
type ScoredCacheConfig struct {
	// Name labels metrics and logs.
	Name string `json:"name" yaml:"name"`
	// Capacity bounds the number of entries. 0 means unbounded.
	Capacity int `json:"capacity" yaml:"capacity"`
	// ExpiryWindow is the inactivity period after which an entry is dropped.
	// 0 disables expiry.
	ExpiryWindow time.Duration `json:"expiry_window" yaml:"expiry_window"`
	// CleanupInterval bounds how often the expiry sweep runs on the write path.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	RecencyWeight   float64 `json:"recency_weight" yaml:"recency_weight"`
	FrequencyWeight float64 `json:"frequency_weight" yaml:"frequency_weight"`
	PriorityWeight  float64 `json:"priority_weight" yaml:"priority_weight"`

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultScoredCacheConfig returns sensible defaults.
func DefaultScoredCacheConfig() ScoredCacheConfig {
	return ScoredCacheConfig{
		Name:            "cache",
		Capacity:        1000,
		ExpiryWindow:    24 * time.Hour,
		CleanupInterval: time.Minute,
		RecencyWeight:   0.4,
		FrequencyWeight: 0.3,
		PriorityWeight:  0.3,
	}
}

type cacheEntry[T any] struct {
	value        T
	priority     float64
	accessCount  int
	createdAt    time.Time
	lastAccessed time.Time
}

// CacheEntry is a snapshot of one cached value and its bookkeeping.
type CacheEntry[T any] struct {
	ID           string
	Value        T
	Priority     float64
	AccessCount  int
	CreatedAt    time.Time
	LastAccessed time.Time
	Score        float64
}

// ScoredCache is a bounded map that evicts by a weighted score of recency,
// access frequency and priority. Safe for concurrent use.
type ScoredCache[T any] struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry[T]
	config      ScoredCacheConfig
	now         func() time.Time
	lastCleanup time.Time

	onEvict  func(id string, value T, reason EvictReason)
	recorder CacheRecorder
	logger   *zap.Logger
}

// NewScoredCache creates a cache. Zero weights fall back to the defaults.
func NewScoredCache[T any](config ScoredCacheConfig, logger *zap.Logger) *ScoredCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultScoredCacheConfig()
	if config.RecencyWeight == 0 && config.FrequencyWeight == 0 && config.PriorityWeight == 0 {
		config.RecencyWeight = defaults.RecencyWeight
		config.FrequencyWeight = defaults.FrequencyWeight
		config.PriorityWeight = defaults.PriorityWeight
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &ScoredCache[T]{
		entries:     make(map[string]*cacheEntry[T]),
		config:      config,
		now:         now,
		lastCleanup: now(),
		logger:      logger.With(zap.String("cache", config.Name)),
	}
}

// OnEvict registers a callback for entries dropped by capacity or expiry. The
// callback runs after the cache lock is released.
func (c *ScoredCache[T]) OnEvict(fn func(id string, value T, reason EvictReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// SetRecorder attaches a metrics recorder.
func (c *ScoredCache[T]) SetRecorder(r CacheRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// Get returns the value and records the access.
func (c *ScoredCache[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[id]
	if !ok {
		if c.recorder != nil {
			c.recorder.RecordCacheMiss(c.config.Name)
		}
		var zero T
		return zero, false
	}
	ent.accessCount++
	ent.lastAccessed = c.now()
	if c.recorder != nil {
		c.recorder.RecordCacheHit(c.config.Name)
	}
	return ent.value, true
}

// Peek returns the value without touching access bookkeeping.
func (c *ScoredCache[T]) Peek(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return ent.value, true
}

// Has reports whether id is cached.
func (c *ScoredCache[T]) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Put inserts or replaces a value. Replacing keeps the access history.
func (c *ScoredCache[T]) Put(id string, value T, priority float64) {
	c.mu.Lock()
	now := c.now()
	if ent, ok := c.entries[id]; ok {
		ent.value = value
		ent.priority = priority
	} else {
		c.entries[id] = &cacheEntry[T]{
			value:        value,
			priority:     priority,
			createdAt:    now,
			lastAccessed: now,
		}
	}

	var evicted []CacheEntry[T]
	var reasons []EvictReason
	if c.config.CleanupInterval <= 0 || now.Sub(c.lastCleanup) >= c.config.CleanupInterval {
		e := c.sweepExpiredLocked(now, id)
		evicted = append(evicted, e...)
		for range e {
			reasons = append(reasons, EvictExpired)
		}
		c.lastCleanup = now
	}
	e := c.evictIfNeededLocked(now)
	evicted = append(evicted, e...)
	for range e {
		reasons = append(reasons, EvictCapacity)
	}
	onEvict, recorder := c.onEvict, c.recorder
	c.mu.Unlock()

	c.notify(evicted, reasons, onEvict, recorder)
}

// Sweep drops expired entries now, independent of the cleanup interval.
func (c *ScoredCache[T]) Sweep() int {
	c.mu.Lock()
	now := c.now()
	evicted := c.sweepExpiredLocked(now, "")
	c.lastCleanup = now
	onEvict, recorder := c.onEvict, c.recorder
	c.mu.Unlock()

	reasons := make([]EvictReason, len(evicted))
	for i := range reasons {
		reasons[i] = EvictExpired
	}
	c.notify(evicted, reasons, onEvict, recorder)
	return len(evicted)
}

// Remove deletes an entry. It does not fire the eviction callback.
func (c *ScoredCache[T]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	return true
}

// Clear empties the cache.
func (c *ScoredCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry[T])
}

// Len returns the number of entries.
func (c *ScoredCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured bound.
func (c *ScoredCache[T]) Capacity() int {
	return c.config.Capacity
}

// SetPriority updates the priority of an existing entry.
func (c *ScoredCache[T]) SetPriority(id string, priority float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[id]
	if ok {
		ent.priority = priority
	}
	return ok
}

// Keys returns the cached ids in unspecified order.
func (c *ScoredCache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Values returns the cached values in unspecified order.
func (c *ScoredCache[T]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]T, 0, len(c.entries))
	for _, ent := range c.entries {
		values = append(values, ent.value)
	}
	return values
}

// Entries returns a snapshot of all entries with their current scores, highest first.
func (c *ScoredCache[T]) Entries() []CacheEntry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]CacheEntry[T], 0, len(c.entries))
	for id, ent := range c.entries {
		out = append(out, c.snapshotLocked(id, ent, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Score computes the eviction score of id at the current time.
func (c *ScoredCache[T]) Score(id string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return c.scoreLocked(ent, c.now()), true
}

// =============================================================================
// scoring and eviction
// =============================================================================

func (c *ScoredCache[T]) scoreLocked(ent *cacheEntry[T], now time.Time) float64 {
	return c.config.RecencyWeight*c.recency(ent, now) +
		c.config.FrequencyWeight*math.Log1p(float64(ent.accessCount)) +
		c.config.PriorityWeight*ent.priority
}

func (c *ScoredCache[T]) recency(ent *cacheEntry[T], now time.Time) float64 {
	if c.config.ExpiryWindow <= 0 {
		return 1
	}
	r := 1 - float64(now.Sub(ent.lastAccessed))/float64(c.config.ExpiryWindow)
	return clamp01(r)
}

func (c *ScoredCache[T]) expired(ent *cacheEntry[T], now time.Time) bool {
	return c.config.ExpiryWindow > 0 && now.Sub(ent.lastAccessed) > c.config.ExpiryWindow
}

func (c *ScoredCache[T]) snapshotLocked(id string, ent *cacheEntry[T], now time.Time) CacheEntry[T] {
	return CacheEntry[T]{
		ID:           id,
		Value:        ent.value,
		Priority:     ent.priority,
		AccessCount:  ent.accessCount,
		CreatedAt:    ent.createdAt,
		LastAccessed: ent.lastAccessed,
		Score:        c.scoreLocked(ent, now),
	}
}

// sweepExpiredLocked drops every entry idle past the expiry window, except keep.
func (c *ScoredCache[T]) sweepExpiredLocked(now time.Time, keep string) []CacheEntry[T] {
	var out []CacheEntry[T]
	for id, ent := range c.entries {
		if id == keep || !c.expired(ent, now) {
			continue
		}
		out = append(out, c.snapshotLocked(id, ent, now))
		delete(c.entries, id)
	}
	return out
}

// evictIfNeededLocked drops the lowest scored entries beyond capacity. Expired
// entries always rank below fresh ones.
func (c *ScoredCache[T]) evictIfNeededLocked(now time.Time) []CacheEntry[T] {
	if c.config.Capacity <= 0 || len(c.entries) <= c.config.Capacity {
		return nil
	}
	ranked := make([]CacheEntry[T], 0, len(c.entries))
	for id, ent := range c.entries {
		ranked = append(ranked, c.snapshotLocked(id, ent, now))
	}
	sort.Slice(ranked, func(i, j int) bool {
		ei := c.expired(c.entries[ranked[i].ID], now)
		ej := c.expired(c.entries[ranked[j].ID], now)
		if ei != ej {
			return ej
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].LastAccessed.Equal(ranked[j].LastAccessed) {
			return ranked[i].LastAccessed.After(ranked[j].LastAccessed)
		}
		return ranked[i].ID < ranked[j].ID
	})
	victims := ranked[c.config.Capacity:]
	for _, v := range victims {
		delete(c.entries, v.ID)
	}
	return victims
}

func (c *ScoredCache[T]) notify(evicted []CacheEntry[T], reasons []EvictReason,
	onEvict func(string, T, EvictReason), recorder CacheRecorder) {
	for i, e := range evicted {
		c.logger.Debug("cache entry evicted",
			zap.String("id", e.ID),
			zap.String("reason", string(reasons[i])),
			zap.Float64("score", e.Score),
		)
		if recorder != nil {
			recorder.RecordCacheEviction(c.config.Name, string(reasons[i]))
		}
		if onEvict != nil {
			onEvict(e.ID, e.Value, reasons[i])
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
