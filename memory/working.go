package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkingConfig configures the working memory tier.
type WorkingConfig struct {
	MaxCapacity     int           `json:"max_capacity" yaml:"max_capacity"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	// TokenBudget bounds the summed token count of all units. 0 disables it.
	TokenBudget int `json:"token_budget" yaml:"token_budget"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultWorkingConfig returns the default working tier settings.
func DefaultWorkingConfig() WorkingConfig {
	return WorkingConfig{
		MaxCapacity:     50,
		DefaultTTL:      30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// WorkingMemory holds short-lived units for the current conversation. Units that
// overflow the tier or expire without having been promoted are handed to the sink,
// normally the episodic tier.
type WorkingMemory struct {
	config WorkingConfig
	now    func() time.Time
	cache  *ScoredCache[*types.MemoryUnit]
	sink   Sink
	opts   options
	logger *zap.Logger

	mu     sync.Mutex
	seq    map[string]uint64
	next   uint64
	tokens int

	loopMu  sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewWorkingMemory creates the working tier. sink may be nil, in which case
// displaced units are dropped.
func NewWorkingMemory(config WorkingConfig, sink Sink, logger *zap.Logger, opts ...Option) *WorkingMemory {
	defaults := DefaultWorkingConfig()
	if config.MaxCapacity <= 0 {
		config.MaxCapacity = defaults.MaxCapacity
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger = loggerOrNop(logger).With(zap.String("memory", "working"))
	o := buildOptions(opts)

	cache := NewScoredCache[*types.MemoryUnit](ScoredCacheConfig{
		Name:            "working",
		CleanupInterval: config.CleanupInterval,
		Now:             now,
	}, logger)
	cache.SetRecorder(o.recorder)

	return &WorkingMemory{
		config: config,
		now:    now,
		cache:  cache,
		sink:   sink,
		opts:   o,
		logger: logger,
		seq:    make(map[string]uint64),
	}
}

// SetSink replaces the overflow sink.
func (w *WorkingMemory) SetSink(sink Sink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

// Capacity returns the configured maximum number of units.
func (w *WorkingMemory) Capacity() int { return w.config.MaxCapacity }

// Store creates a unit from text content and adds it to the tier.
func (w *WorkingMemory) Store(ctx context.Context, content string, meta types.Metadata) (*types.MemoryUnit, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.NewValidationError("working memory content must not be empty")
	}
	now := w.now()
	priority := types.DefaultPriority
	if meta.Importance > 0 {
		priority = clamp01(meta.Importance)
	}
	unit := &types.MemoryUnit{
		ID:           uuid.NewString(),
		Category:     types.MemoryWorking,
		Content:      content,
		Metadata:     meta.Clone(),
		Timestamp:    now,
		Priority:     priority,
		LastAccessed: now,
	}
	if err := w.Add(ctx, unit); err != nil {
		return nil, err
	}
	return unit.Clone(), nil
}

// Add inserts a fully specified unit. Missing id, timestamp and TTL are filled in.
func (w *WorkingMemory) Add(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil {
		return types.NewValidationError("memory unit is nil")
	}
	if unit.Priority < 0 || unit.Priority > 1 {
		return types.NewValidationError("priority %v out of range 0..1", unit.Priority)
	}
	ctx, span := w.opts.startSpan(ctx, "memory.working.store", types.MemoryWorking)
	var err error
	defer func() { endSpan(span, err) }()

	now := w.now()
	u := unit.Clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	if u.LastAccessed.IsZero() {
		u.LastAccessed = now
	}
	u.Category = types.MemoryWorking
	if u.ExpiresAt == nil {
		ttl := w.config.DefaultTTL
		if u.Metadata.Working != nil && u.Metadata.Working.TTL > 0 {
			ttl = u.Metadata.Working.TTL
		}
		exp := now.Add(ttl)
		u.ExpiresAt = &exp
	}
	if w.opts.tokens != nil {
		u.Metadata.TokenCount = w.opts.tokens.CountTokens(u.Text())
	}

	if err = w.opts.mirror(ctx, u); err != nil {
		return err
	}

	w.mu.Lock()
	w.putLocked(u)
	displaced := w.ensureCapacityLocked()
	size := w.cache.Len()
	w.mu.Unlock()

	*unit = *u.Clone()
	w.opts.recorder.RecordStore(string(types.MemoryWorking))
	w.opts.recorder.RecordTierSize(string(types.MemoryWorking), size)
	w.forward(ctx, displaced)
	return nil
}

// Get returns a copy of the unit and records the access.
func (w *WorkingMemory) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.cache.Get(id)
	if !ok {
		return nil, types.NewNotFoundError("working memory unit", id)
	}
	u.Touch(w.now())
	return u.Clone(), nil
}

// Peek returns a copy of the unit without access bookkeeping.
func (w *WorkingMemory) Peek(id string) (*types.MemoryUnit, bool) {
	u, ok := w.cache.Peek(id)
	if !ok {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return u.Clone(), true
}

// Retrieve returns units matching filter, highest priority first, and records
// the access on each of them.
func (w *WorkingMemory) Retrieve(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := w.opts.startSpan(ctx, "memory.working.retrieve", types.MemoryWorking)
	defer span.End()

	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*types.MemoryUnit
	for _, u := range w.cache.Values() {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	w.sortLocked(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	for i, u := range out {
		w.cache.Get(u.ID)
		u.Touch(now)
		out[i] = u.Clone()
	}
	return out, nil
}

// RetrieveAll returns copies of every unit, oldest first, without bookkeeping.
func (w *WorkingMemory) RetrieveAll() []*types.MemoryUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	values := w.cache.Values()
	sort.Slice(values, func(i, j int) bool { return w.seq[values[i].ID] < w.seq[values[j].ID] })
	out := make([]*types.MemoryUnit, len(values))
	for i, u := range values {
		out[i] = u.Clone()
	}
	return out
}

// Update replaces a stored unit. Timestamp and category are kept.
func (w *WorkingMemory) Update(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	if unit.Priority < 0 || unit.Priority > 1 {
		return types.NewValidationError("priority %v out of range 0..1", unit.Priority)
	}
	w.mu.Lock()
	cur, ok := w.cache.Peek(unit.ID)
	if !ok {
		w.mu.Unlock()
		return types.NewNotFoundError("working memory unit", unit.ID)
	}
	u := unit.Clone()
	u.Timestamp = cur.Timestamp
	u.Category = types.MemoryWorking
	if u.ExpiresAt == nil {
		u.ExpiresAt = cur.ExpiresAt
	}
	if w.opts.tokens != nil {
		u.Metadata.TokenCount = w.opts.tokens.CountTokens(u.Text())
	}
	w.mu.Unlock()

	if err := w.opts.mirror(ctx, u); err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.cache.Peek(u.ID); !ok {
		w.mu.Unlock()
		return types.NewNotFoundError("working memory unit", unit.ID)
	}
	w.putLocked(u)
	displaced := w.ensureCapacityLocked()
	w.mu.Unlock()

	w.forward(ctx, displaced)
	return nil
}

// Delete removes a unit from the tier and from any mirror.
func (w *WorkingMemory) Delete(ctx context.Context, id string) error {
	if _, ok := w.Take(id); !ok {
		return types.NewNotFoundError("working memory unit", id)
	}
	return w.opts.forget(ctx, id)
}

// Take removes a unit without touching the mirrors. Used by promotion, where the
// receiving tier takes over the record.
func (w *WorkingMemory) Take(id string) (*types.MemoryUnit, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.cache.Peek(id)
	if !ok {
		return nil, false
	}
	w.removeLocked(id, u)
	return u, true
}

// Len returns the number of units held.
func (w *WorkingMemory) Len() int { return w.cache.Len() }

// Tokens returns the summed token count of all units.
func (w *WorkingMemory) Tokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens
}

// Usage returns the fill ratio of the tier in 0..1.
func (w *WorkingMemory) Usage() float64 {
	return float64(w.cache.Len()) / float64(w.config.MaxCapacity)
}

// Cleanup hands expired, never promoted units to the sink and drops expired
// units that were already promoted once. It returns the number of units processed.
func (w *WorkingMemory) Cleanup(ctx context.Context) (int, error) {
	ctx, span := w.opts.startSpan(ctx, "memory.working.cleanup", types.MemoryWorking)
	defer span.End()

	now := w.now()
	var forward, drop []*types.MemoryUnit
	w.mu.Lock()
	for _, u := range w.cache.Values() {
		if !u.Expired(now) {
			continue
		}
		w.removeLocked(u.ID, u)
		if u.Metadata.Promoted {
			drop = append(drop, u)
		} else {
			forward = append(forward, u)
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, u := range drop {
		if err := w.opts.forget(ctx, u.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.forward(ctx, forward)
	if n := len(forward) + len(drop); n > 0 {
		w.logger.Debug("working memory cleanup",
			zap.Int("forwarded", len(forward)),
			zap.Int("dropped", len(drop)))
	}
	w.opts.recorder.RecordTierSize(string(types.MemoryWorking), w.cache.Len())
	return len(forward) + len(drop), firstErr
}

// Stats reports tier statistics.
func (w *WorkingMemory) Stats() types.MemoryStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := types.MemoryStats{
		Category: types.MemoryWorking,
		Units:    w.cache.Len(),
		Capacity: w.config.MaxCapacity,
		Tokens:   w.tokens,
	}
	for _, u := range w.cache.Values() {
		if stats.OldestRecord.IsZero() || u.Timestamp.Before(stats.OldestRecord) {
			stats.OldestRecord = u.Timestamp
		}
		if u.Timestamp.After(stats.NewestRecord) {
			stats.NewestRecord = u.Timestamp
		}
	}
	return stats
}

// Start runs the periodic cleanup loop until Stop or ctx cancellation.
func (w *WorkingMemory) Start(ctx context.Context) error {
	w.loopMu.Lock()
	if w.running {
		w.loopMu.Unlock()
		return fmt.Errorf("working memory cleanup already running")
	}
	w.stopCh = make(chan struct{})
	w.running = true
	stopCh := w.stopCh
	w.loopMu.Unlock()

	go w.run(ctx, stopCh)
	return nil
}

// Stop ends the cleanup loop.
func (w *WorkingMemory) Stop() {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

func (w *WorkingMemory) run(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, w.config.CleanupInterval/2)
			if _, err := w.Cleanup(cleanupCtx); err != nil {
				w.logger.Error("working memory cleanup failed", zap.Error(err))
			}
			cancel()
		case <-stopCh:
			return
		case <-ctx.Done():
			w.loopMu.Lock()
			w.running = false
			w.loopMu.Unlock()
			return
		}
	}
}

// =============================================================================
// internals, all called with w.mu held
// =============================================================================

func (w *WorkingMemory) putLocked(u *types.MemoryUnit) {
	if old, ok := w.cache.Peek(u.ID); ok {
		w.tokens -= old.Metadata.TokenCount
	} else {
		w.next++
		w.seq[u.ID] = w.next
	}
	w.tokens += u.Metadata.TokenCount
	w.cache.Put(u.ID, u, u.Priority)
}

func (w *WorkingMemory) removeLocked(id string, u *types.MemoryUnit) {
	w.cache.Remove(id)
	delete(w.seq, id)
	w.tokens -= u.Metadata.TokenCount
}

// sortLocked orders units by priority desc, then timestamp desc, then insertion desc.
func (w *WorkingMemory) sortLocked(units []*types.MemoryUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return w.seq[a.ID] > w.seq[b.ID]
	})
}

// ensureCapacityLocked removes the lowest ranked units one at a time while the
// tier is over its unit or token budget.
func (w *WorkingMemory) ensureCapacityLocked() []*types.MemoryUnit {
	var displaced []*types.MemoryUnit
	for w.overBudgetLocked() {
		units := w.cache.Values()
		w.sortLocked(units)
		tail := units[len(units)-1]
		w.removeLocked(tail.ID, tail)
		displaced = append(displaced, tail)
	}
	return displaced
}

func (w *WorkingMemory) overBudgetLocked() bool {
	n := w.cache.Len()
	if n > w.config.MaxCapacity {
		return true
	}
	return w.config.TokenBudget > 0 && n > 1 && w.tokens > w.config.TokenBudget
}

// forward hands displaced units to the sink outside the tier lock. A unit the sink
// refuses goes back into the tier so it is never lost.
func (w *WorkingMemory) forward(ctx context.Context, units []*types.MemoryUnit) {
	if len(units) == 0 {
		return
	}
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()

	for _, u := range units {
		if sink == nil {
			w.logger.Warn("no sink configured, dropping displaced unit", zap.String("id", u.ID))
			continue
		}
		to := u.Clone()
		MarkPromoted(to, types.MemoryEpisodic, w.now())
		if err := sink.Accept(ctx, to); err != nil {
			w.logger.Error("forward displaced unit failed, keeping it",
				zap.String("id", u.ID), zap.Error(err))
			w.mu.Lock()
			w.putLocked(u)
			w.mu.Unlock()
			continue
		}
		w.opts.recorder.RecordPromotion(string(types.MemoryWorking), string(types.MemoryEpisodic))
		w.logger.Debug("unit moved to episodic memory", zap.String("id", u.ID))
	}
}
