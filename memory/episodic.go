package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EpisodicConfig configures the episodic tier.
type EpisodicConfig struct {
	Capacity               int           `json:"capacity" yaml:"capacity"`
	SimilarityThreshold    float64       `json:"similarity_threshold" yaml:"similarity_threshold"`
	ConsolidationThreshold float64       `json:"consolidation_threshold" yaml:"consolidation_threshold"`
	MinClusterSize         int           `json:"min_cluster_size" yaml:"min_cluster_size"`
	TemporalWindow         time.Duration `json:"temporal_window" yaml:"temporal_window"`

	// Retention rules applied by Cleanup. A unit survives if any of them holds.
	RetainImportance   float64 `json:"retain_importance" yaml:"retain_importance"`
	RetainSignificance float64 `json:"retain_significance" yaml:"retain_significance"`
	RetainAccessCount  int     `json:"retain_access_count" yaml:"retain_access_count"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultEpisodicConfig returns the default episodic tier settings.
func DefaultEpisodicConfig() EpisodicConfig {
	return EpisodicConfig{
		Capacity:               10000,
		SimilarityThreshold:    0.6,
		ConsolidationThreshold: 0.7,
		MinClusterSize:         3,
		TemporalWindow:         24 * time.Hour,
		RetainImportance:       0.3,
		RetainSignificance:     0.5,
		RetainAccessCount:      3,
	}
}

// SimilarExperience pairs an episode with its similarity to a probe.
type SimilarExperience struct {
	Unit       *types.MemoryUnit `json:"unit"`
	Similarity float64           `json:"similarity"`
}

// EpisodicMemory stores experience records and consolidates similar ones.
type EpisodicMemory struct {
	config EpisodicConfig
	now    func() time.Time
	cache  *ScoredCache[*types.MemoryUnit]
	opts   options
	logger *zap.Logger

	mu sync.RWMutex
}

// NewEpisodicMemory creates the episodic tier.
func NewEpisodicMemory(config EpisodicConfig, logger *zap.Logger, opts ...Option) *EpisodicMemory {
	defaults := DefaultEpisodicConfig()
	if config.Capacity <= 0 {
		config.Capacity = defaults.Capacity
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if config.ConsolidationThreshold <= 0 {
		config.ConsolidationThreshold = defaults.ConsolidationThreshold
	}
	if config.MinClusterSize <= 1 {
		config.MinClusterSize = defaults.MinClusterSize
	}
	if config.TemporalWindow <= 0 {
		config.TemporalWindow = defaults.TemporalWindow
	}
	if config.RetainImportance <= 0 {
		config.RetainImportance = defaults.RetainImportance
	}
	if config.RetainSignificance <= 0 {
		config.RetainSignificance = defaults.RetainSignificance
	}
	if config.RetainAccessCount <= 0 {
		config.RetainAccessCount = defaults.RetainAccessCount
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger = loggerOrNop(logger).With(zap.String("memory", "episodic"))
	o := buildOptions(opts)

	cache := NewScoredCache[*types.MemoryUnit](ScoredCacheConfig{
		Name:     "episodic",
		Capacity: config.Capacity,
		Now:      now,
	}, logger)
	cache.SetRecorder(o.recorder)

	e := &EpisodicMemory{
		config: config,
		now:    now,
		cache:  cache,
		opts:   o,
		logger: logger,
	}
	cache.OnEvict(e.onEvict)
	return e
}

// onEvict runs when the cache drops a unit for capacity. Mirrored units stay
// loadable from storage.
func (e *EpisodicMemory) onEvict(id string, _ *types.MemoryUnit, reason EvictReason) {
	if e.opts.storage != nil {
		e.logger.Debug("episode evicted from memory, kept in storage",
			zap.String("id", id), zap.String("reason", string(reason)))
		return
	}
	e.logger.Info("episode evicted", zap.String("id", id), zap.String("reason", string(reason)))
}

// Store records a new episode and runs a consolidation check for it.
func (e *EpisodicMemory) Store(ctx context.Context, content *types.EpisodicContent, meta types.Metadata) (*types.MemoryUnit, error) {
	if content == nil {
		return nil, types.NewValidationError("episodic content is required")
	}
	if err := validateEmotions(content.Emotions); err != nil {
		return nil, err
	}
	now := e.now()
	unit := &types.MemoryUnit{
		ID:           uuid.NewString(),
		Category:     types.MemoryEpisodic,
		Content:      content.Clone(),
		Metadata:     meta.Clone(),
		Timestamp:    now,
		LastAccessed: now,
	}
	if err := e.insert(ctx, unit); err != nil {
		return nil, err
	}
	if _, err := e.CheckForConsolidation(ctx, unit.ID); err != nil {
		e.logger.Warn("consolidation check failed", zap.String("id", unit.ID), zap.Error(err))
	}
	if s := e.snapshot(unit.ID); s != nil {
		return s, nil
	}
	return unit.Clone(), nil
}

// Accept takes over a unit promoted from another tier. The id is kept. Text
// content becomes the summary of a new episode.
func (e *EpisodicMemory) Accept(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	u := unit.Clone()
	if ep := u.Episode(); ep != nil {
		u.Content = ep
	} else {
		ep = &types.EpisodicContent{Summary: u.Text()}
		if u.Metadata.Episodic != nil {
			ep.Location = u.Metadata.Episodic.Location
		}
		if loc, ok := u.Metadata.Get("location"); ok && ep.Location == "" {
			if s, ok := loc.(string); ok {
				ep.Location = s
			}
		}
		ep.TimeSequence = u.Timestamp.UnixMilli()
		u.Content = ep
	}
	if err := validateEmotions(u.Episode().Emotions); err != nil {
		return err
	}
	u.Category = types.MemoryEpisodic
	u.ExpiresAt = nil
	if err := e.insert(ctx, u); err != nil {
		return err
	}
	if _, err := e.CheckForConsolidation(ctx, u.ID); err != nil {
		e.logger.Warn("consolidation check failed", zap.String("id", u.ID), zap.Error(err))
	}
	return nil
}

// insert fills derived fields, mirrors and stores u.
func (e *EpisodicMemory) insert(ctx context.Context, u *types.MemoryUnit) error {
	ctx, span := e.opts.startSpan(ctx, "memory.episodic.store", types.MemoryEpisodic,
		attribute.String("memory.id", u.ID))
	var err error
	defer func() { endSpan(span, err) }()

	now := e.now()
	ep := u.Episode()
	if ep.ConsolidationStatus == "" {
		ep.ConsolidationStatus = types.ConsolidationNew
	}
	if ep.TimeSequence == 0 {
		ep.TimeSequence = now.UnixMilli()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	if u.LastAccessed.IsZero() {
		u.LastAccessed = now
	}
	e.annotate(u)

	if err = e.opts.mirror(ctx, u); err != nil {
		return err
	}

	e.mu.Lock()
	e.cache.Put(u.ID, u, u.Priority)
	size := e.cache.Len()
	e.mu.Unlock()

	e.opts.recorder.RecordStore(string(types.MemoryEpisodic))
	e.opts.recorder.RecordTierSize(string(types.MemoryEpisodic), size)
	return nil
}

// annotate derives importance, significance, priority and episodic markers.
func (e *EpisodicMemory) annotate(u *types.MemoryUnit) {
	ep := u.Episode()
	importance := CalculateImportance(ep)
	if u.Metadata.Importance > importance {
		importance = u.Metadata.Importance
	}
	u.Metadata.Importance = importance
	u.Metadata.EmotionalSignificance = EmotionalSignificance(ep.Emotions)
	u.Priority = importance
	if u.Metadata.Episodic == nil {
		u.Metadata.Episodic = &types.EpisodicMeta{}
	}
	u.Metadata.Episodic.HasTemporal = ep.TimeSequence > 0
	if ep.Location != "" {
		u.Metadata.Episodic.Location = ep.Location
		u.Metadata.Episodic.HasSpatial = true
	}
}

// Get returns a copy of an episode and records the access. Episodes evicted from
// memory are reloaded from storage.
func (e *EpisodicMemory) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	e.mu.Lock()
	u, ok := e.cache.Get(id)
	if ok {
		u.Touch(e.now())
		out := u.Clone()
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if e.opts.storage == nil {
		return nil, types.NewNotFoundError("episodic memory unit", id)
	}
	loaded, err := e.opts.storage.Load(ctx, id)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.NewNotFoundError("episodic memory unit", id)
		}
		return nil, types.NewCollaboratorError("storage", "load memory unit", err)
	}
	if loaded.Category != types.MemoryEpisodic || loaded.Episode() == nil {
		return nil, types.NewNotFoundError("episodic memory unit", id)
	}
	loaded.Content = loaded.Episode()
	loaded.Touch(e.now())
	e.mu.Lock()
	e.cache.Put(loaded.ID, loaded, loaded.Priority)
	e.mu.Unlock()
	return loaded.Clone(), nil
}

// Retrieve returns episodes matching filter, most important first, recording access.
func (e *EpisodicMemory) Retrieve(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := e.opts.startSpan(ctx, "memory.episodic.retrieve", types.MemoryEpisodic)
	defer span.End()

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.MemoryUnit
	for _, u := range e.cache.Values() {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	sortByImportance(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	for i, u := range out {
		e.cache.Get(u.ID)
		u.Touch(now)
		out[i] = u.Clone()
	}
	return out, nil
}

// All returns copies of every episode in time order, without bookkeeping.
func (e *EpisodicMemory) All() []*types.MemoryUnit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	values := e.cache.Values()
	sortByTimeSequence(values)
	out := make([]*types.MemoryUnit, len(values))
	for i, u := range values {
		out[i] = u.Clone()
	}
	return out
}

// Update replaces an episode, recomputing its derived fields.
func (e *EpisodicMemory) Update(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	ep := unit.Episode()
	if ep == nil {
		return types.NewValidationError("episodic unit %q has no episodic content", unit.ID)
	}
	if err := validateEmotions(ep.Emotions); err != nil {
		return err
	}
	e.mu.RLock()
	cur, ok := e.cache.Peek(unit.ID)
	e.mu.RUnlock()
	if !ok {
		return types.NewNotFoundError("episodic memory unit", unit.ID)
	}

	u := unit.Clone()
	u.Content = u.Episode()
	u.Category = types.MemoryEpisodic
	u.Timestamp = cur.Timestamp
	u.Metadata.Importance = 0
	e.annotate(u)
	if err := e.opts.mirror(ctx, u); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache.Peek(u.ID); !ok {
		return types.NewNotFoundError("episodic memory unit", unit.ID)
	}
	e.cache.Put(u.ID, u, u.Priority)
	return nil
}

// Delete removes an episode.
func (e *EpisodicMemory) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	ok := e.cache.Remove(id)
	e.mu.Unlock()
	if !ok {
		return types.NewNotFoundError("episodic memory unit", id)
	}
	return e.opts.forget(ctx, id)
}

// FindSimilarExperiences returns episodes whose similarity to unit exceeds the
// similarity threshold, best match first. unit itself is never included.
func (e *EpisodicMemory) FindSimilarExperiences(ctx context.Context, unit *types.MemoryUnit) ([]SimilarExperience, error) {
	if unit == nil || unit.Episode() == nil {
		return nil, types.NewValidationError("probe must carry episodic content")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	probe := unit.Episode()
	var out []SimilarExperience
	for _, u := range e.cache.Values() {
		if u.ID == unit.ID {
			continue
		}
		s := EpisodeSimilarity(probe, u.Episode(), e.config.TemporalWindow)
		if s > e.config.SimilarityThreshold {
			out = append(out, SimilarExperience{Unit: u.Clone(), Similarity: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Unit.ID < out[j].Unit.ID
	})
	return out, nil
}

// Similarity scores two episodic units with this tier's temporal window.
func (e *EpisodicMemory) Similarity(a, b *types.MemoryUnit) float64 {
	if a == nil || b == nil {
		return 0
	}
	return EpisodeSimilarity(a.Episode(), b.Episode(), e.config.TemporalWindow)
}

// Len returns the number of episodes held in memory.
func (e *EpisodicMemory) Len() int { return e.cache.Len() }

// Stats reports tier statistics.
func (e *EpisodicMemory) Stats() types.MemoryStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := types.MemoryStats{
		Category: types.MemoryEpisodic,
		Units:    e.cache.Len(),
		Capacity: e.config.Capacity,
	}
	for _, u := range e.cache.Values() {
		if stats.OldestRecord.IsZero() || u.Timestamp.Before(stats.OldestRecord) {
			stats.OldestRecord = u.Timestamp
		}
		if u.Timestamp.After(stats.NewestRecord) {
			stats.NewestRecord = u.Timestamp
		}
	}
	return stats
}

// Cleanup runs a consolidation pass, then deletes episodes that are neither
// important, emotionally significant, frequently accessed nor a consolidation base.
// It returns the number of deleted episodes.
func (e *EpisodicMemory) Cleanup(ctx context.Context) (int, error) {
	ctx, span := e.opts.startSpan(ctx, "memory.episodic.cleanup", types.MemoryEpisodic)
	defer span.End()

	if _, err := e.ConsolidateAll(ctx); err != nil {
		e.logger.Warn("consolidation pass failed", zap.Error(err))
	}

	e.mu.Lock()
	var victims []string
	for _, u := range e.cache.Values() {
		if !e.retain(u) {
			victims = append(victims, u.ID)
			e.cache.Remove(u.ID)
		}
	}
	size := e.cache.Len()
	e.mu.Unlock()

	var firstErr error
	for _, id := range victims {
		if err := e.opts.forget(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(victims) > 0 {
		e.logger.Debug("episodic cleanup", zap.Int("deleted", len(victims)))
	}
	e.opts.recorder.RecordTierSize(string(types.MemoryEpisodic), size)
	return len(victims), firstErr
}

func (e *EpisodicMemory) retain(u *types.MemoryUnit) bool {
	if u.Metadata.Importance > e.config.RetainImportance {
		return true
	}
	if u.Metadata.EmotionalSignificance > e.config.RetainSignificance {
		return true
	}
	if u.AccessCount >= e.config.RetainAccessCount {
		return true
	}
	ep := u.Episode()
	return ep != nil && ep.IsConsolidationBase(u.ID)
}

func (e *EpisodicMemory) snapshot(id string) *types.MemoryUnit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.cache.Peek(id)
	if !ok {
		return nil
	}
	return u.Clone()
}

func sortByImportance(units []*types.MemoryUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Metadata.Importance != b.Metadata.Importance {
			return a.Metadata.Importance > b.Metadata.Importance
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func sortByTimeSequence(units []*types.MemoryUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i].Episode(), units[j].Episode()
		if a != nil && b != nil && a.TimeSequence != b.TimeSequence {
			return a.TimeSequence < b.TimeSequence
		}
		return units[i].ID < units[j].ID
	})
}
