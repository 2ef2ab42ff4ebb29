package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// Procedure is a learned sequence of steps and the cues that invoke it.
type Procedure struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Steps       []string  `json:"steps"`
	Triggers    []string  `json:"triggers,omitempty"`
	SuccessRate float64   `json:"success_rate"`
	Executions  int       `json:"executions"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used,omitempty"`
}

// ProceduralConfig configures procedural memory.
type ProceduralConfig struct {
	// Capacity bounds the procedures held in memory. Evicted procedures stay
	// loadable from storage.
	Capacity int `json:"capacity" yaml:"capacity"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultProceduralConfig returns the default procedural settings.
func DefaultProceduralConfig() ProceduralConfig {
	return ProceduralConfig{Capacity: 1000}
}

// ProceduralMemory stores how-to knowledge promoted from other tiers. A
// procedure is derived from its unit, so the unit cache is its only home.
type ProceduralMemory struct {
	config ProceduralConfig
	now    func() time.Time
	cache  *ScoredCache[*types.MemoryUnit]
	opts   options
	logger *zap.Logger

	mu sync.Mutex
}

// NewProceduralMemory creates procedural memory.
func NewProceduralMemory(config ProceduralConfig, logger *zap.Logger, opts ...Option) *ProceduralMemory {
	if config.Capacity <= 0 {
		config.Capacity = DefaultProceduralConfig().Capacity
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger = loggerOrNop(logger).With(zap.String("memory", "procedural"))
	o := buildOptions(opts)

	cache := NewScoredCache[*types.MemoryUnit](ScoredCacheConfig{
		Name:     "procedural",
		Capacity: config.Capacity,
		Now:      now,
	}, logger)
	cache.SetRecorder(o.recorder)

	p := &ProceduralMemory{
		config: config,
		now:    now,
		cache:  cache,
		opts:   o,
		logger: logger,
	}
	cache.OnEvict(p.onEvict)
	return p
}

func (p *ProceduralMemory) onEvict(id string, _ *types.MemoryUnit, reason EvictReason) {
	if p.opts.storage != nil {
		p.logger.Debug("procedure evicted from memory, kept in storage",
			zap.String("id", id), zap.String("reason", string(reason)))
		return
	}
	p.logger.Warn("procedure evicted without storage, forgotten",
		zap.String("id", id), zap.String("reason", string(reason)))
}

// Accept turns a promoted unit into a procedure. Steps come from the procedural
// metadata, or from the lines of the text when none are given. The id is kept.
func (p *ProceduralMemory) Accept(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	u := unit.Clone()
	u.Category = types.MemoryProcedural
	u.ExpiresAt = nil
	if u.Metadata.Procedural == nil {
		u.Metadata.Procedural = &types.ProceduralMeta{}
	}
	meta := u.Metadata.Procedural

	steps := meta.Steps
	if len(steps) == 0 {
		steps = splitSteps(u.Text())
	}
	if len(steps) == 0 {
		return types.NewValidationError("procedure %q has no steps", u.ID)
	}
	name := meta.Procedure
	if name == "" {
		name = firstLine(u.Text())
	}
	meta.Steps = steps
	meta.Procedure = name
	meta.Triggers = types.UnionStrings(meta.Triggers, u.Metadata.Tags)
	meta.SuccessRate, meta.Executions = 0, 0
	meta.LearnedAt, meta.LastUsed = p.now(), time.Time{}

	if err := p.opts.mirror(ctx, u); err != nil {
		return err
	}

	p.mu.Lock()
	p.cache.Put(u.ID, u, u.Priority)
	size := p.cache.Len()
	p.mu.Unlock()

	p.opts.recorder.RecordStore(string(types.MemoryProcedural))
	p.opts.recorder.RecordTierSize(string(types.MemoryProcedural), size)
	p.logger.Debug("procedure learned", zap.String("id", u.ID), zap.Int("steps", len(steps)))
	return nil
}

// loadLocked returns the cached unit of a procedure, reloading it from storage
// after eviction. p.mu must be held.
func (p *ProceduralMemory) loadLocked(ctx context.Context, id string) (*types.MemoryUnit, error) {
	if u, ok := p.cache.Get(id); ok {
		return u, nil
	}
	if p.opts.storage == nil {
		return nil, types.NewNotFoundError("procedure", id)
	}
	loaded, err := p.opts.storage.Load(ctx, id)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.NewNotFoundError("procedure", id)
		}
		return nil, types.NewCollaboratorError("storage", "load memory unit", err)
	}
	if loaded.Category != types.MemoryProcedural || loaded.Metadata.Procedural == nil ||
		len(loaded.Metadata.Procedural.Steps) == 0 {
		return nil, types.NewNotFoundError("procedure", id)
	}
	p.cache.Put(loaded.ID, loaded, loaded.Priority)
	return loaded, nil
}

// Get returns a procedure by id.
func (p *ProceduralMemory) Get(ctx context.Context, id string) (*Procedure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := p.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return procedureOf(u), nil
}

// Unit returns the memory unit a procedure was learned from.
func (p *ProceduralMemory) Unit(ctx context.Context, id string) (*types.MemoryUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := p.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.Clone(), nil
}

// FindByTrigger returns procedures held in memory whose triggers or name match
// cue, best success rate first.
func (p *ProceduralMemory) FindByTrigger(cue string) []*Procedure {
	cue = strings.ToLower(strings.TrimSpace(cue))
	if cue == "" {
		return nil
	}
	var out []*Procedure
	for _, proc := range p.List() {
		if matchesCue(proc, cue) {
			out = append(out, proc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchesCue(proc *Procedure, cue string) bool {
	for _, t := range proc.Triggers {
		if strings.Contains(cue, strings.ToLower(t)) || strings.Contains(strings.ToLower(t), cue) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(proc.Name), cue)
}

// RecordExecution updates the running success rate of a procedure and writes it
// through.
func (p *ProceduralMemory) RecordExecution(ctx context.Context, id string, success bool) (*Procedure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := p.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	next := u.Clone()
	meta := next.Metadata.Procedural
	meta.Executions++
	meta.SuccessRate += (outcome - meta.SuccessRate) / float64(meta.Executions)
	meta.LastUsed = p.now()
	next.Touch(meta.LastUsed)

	if err := p.opts.mirror(ctx, next); err != nil {
		return nil, err
	}
	p.cache.Put(next.ID, next, next.Priority)
	return procedureOf(next), nil
}

// Delete removes a procedure.
func (p *ProceduralMemory) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cache.Remove(id) {
		if _, err := p.loadLocked(ctx, id); err != nil {
			return err
		}
		p.cache.Remove(id)
	}
	return p.opts.forget(ctx, id)
}

// List returns every procedure held in memory ordered by name.
func (p *ProceduralMemory) List() []*Procedure {
	units := p.cache.Values()
	out := make([]*Procedure, 0, len(units))
	for _, u := range units {
		out = append(out, procedureOf(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of procedures held in memory.
func (p *ProceduralMemory) Len() int { return p.cache.Len() }

// Capacity returns the in-memory procedure bound.
func (p *ProceduralMemory) Capacity() int { return p.cache.Capacity() }

// Stats reports tier statistics.
func (p *ProceduralMemory) Stats() types.MemoryStats {
	units := p.cache.Values()
	stats := types.MemoryStats{Category: types.MemoryProcedural, Units: len(units)}
	for _, u := range units {
		learned := u.Metadata.Procedural.LearnedAt
		if stats.OldestRecord.IsZero() || learned.Before(stats.OldestRecord) {
			stats.OldestRecord = learned
		}
		if learned.After(stats.NewestRecord) {
			stats.NewestRecord = learned
		}
	}
	return stats
}

// procedureOf builds the procedure view of a procedural unit.
func procedureOf(u *types.MemoryUnit) *Procedure {
	meta := u.Metadata.Procedural
	return &Procedure{
		ID:          u.ID,
		Name:        meta.Procedure,
		Steps:       append([]string(nil), meta.Steps...),
		Triggers:    append([]string(nil), meta.Triggers...),
		SuccessRate: meta.SuccessRate,
		Executions:  meta.Executions,
		CreatedAt:   meta.LearnedAt,
		LastUsed:    meta.LastUsed,
	}
}

// splitSteps reads one step per non-empty line, dropping list markers.
func splitSteps(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}
