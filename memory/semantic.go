package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ExtractedEntity is a concept candidate found in text.
type ExtractedEntity struct {
	Label      string         `json:"label"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Confidence float64        `json:"confidence"`
}

// ExtractedRelation links two extracted entities by label.
type ExtractedRelation struct {
	Source     string             `json:"source"`
	Target     string             `json:"target"`
	Type       types.RelationType `json:"type"`
	Confidence float64            `json:"confidence"`
}

// Extraction is the result of running an Extractor over text.
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// Extractor finds concepts and relations in text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// Embedder produces vector embeddings for concept labels.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticConfig configures semantic memory.
type SemanticConfig struct {
	// Capacity bounds the semantic units held in memory. Evicted units stay
	// loadable from storage; the concept graph is not bounded by it.
	Capacity int `json:"capacity" yaml:"capacity"`
	// MergeThreshold is the similarity at which an extracted entity is merged into
	// an existing concept of the same type.
	MergeThreshold float64 `json:"merge_threshold" yaml:"merge_threshold"`
	// MinConfidence is the floor below which isolated concepts are removed by Cleanup.
	MinConfidence     float64 `json:"min_confidence" yaml:"min_confidence"`
	DefaultConfidence float64 `json:"default_confidence" yaml:"default_confidence"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultSemanticConfig returns the default semantic settings.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		Capacity:          10000,
		MergeThreshold:    0.7,
		MinConfidence:     0.2,
		DefaultConfidence: 0.5,
	}
}

// SemanticResult describes what Store did to the graph.
type SemanticResult struct {
	Concepts  []*types.ConceptNode     `json:"concepts"`
	Relations []*types.ConceptRelation `json:"relations"`
	Merged    int                      `json:"merged"`
}

// SemanticMemory turns text into concepts of a ConceptGraph and keeps the units
// that produced them.
type SemanticMemory struct {
	config    SemanticConfig
	graph     *ConceptGraph
	extractor Extractor
	opts      options
	now       func() time.Time
	logger    *zap.Logger

	mu    sync.Mutex
	cache *ScoredCache[*types.MemoryUnit]
}

// NewSemanticMemory creates semantic memory over graph. extractor may be nil, in
// which case Store records units without concepts.
func NewSemanticMemory(config SemanticConfig, graph *ConceptGraph, extractor Extractor,
	logger *zap.Logger, opts ...Option) *SemanticMemory {
	defaults := DefaultSemanticConfig()
	if config.Capacity <= 0 {
		config.Capacity = defaults.Capacity
	}
	if config.MergeThreshold <= 0 {
		config.MergeThreshold = defaults.MergeThreshold
	}
	if config.MinConfidence <= 0 {
		config.MinConfidence = defaults.MinConfidence
	}
	if config.DefaultConfidence <= 0 {
		config.DefaultConfidence = defaults.DefaultConfidence
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger = loggerOrNop(logger).With(zap.String("memory", "semantic"))
	if graph == nil {
		graph = NewConceptGraph(now, logger)
	}
	o := buildOptions(opts)

	cache := NewScoredCache[*types.MemoryUnit](ScoredCacheConfig{
		Name:     "semantic",
		Capacity: config.Capacity,
		Now:      now,
	}, logger)
	cache.SetRecorder(o.recorder)

	s := &SemanticMemory{
		config:    config,
		graph:     graph,
		extractor: extractor,
		opts:      o,
		now:       now,
		logger:    logger,
		cache:     cache,
	}
	cache.OnEvict(s.onEvict)
	return s
}

func (s *SemanticMemory) onEvict(id string, _ *types.MemoryUnit, reason EvictReason) {
	if s.opts.storage != nil {
		s.logger.Debug("semantic unit evicted from memory, kept in storage",
			zap.String("id", id), zap.String("reason", string(reason)))
		return
	}
	s.logger.Warn("semantic unit evicted without storage, forgotten",
		zap.String("id", id), zap.String("reason", string(reason)))
}

// Graph returns the backing concept graph.
func (s *SemanticMemory) Graph() *ConceptGraph { return s.graph }

// Store records text as a semantic unit and projects it into the graph.
func (s *SemanticMemory) Store(ctx context.Context, text string, meta types.Metadata) (*types.MemoryUnit, *SemanticResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, types.NewValidationError("semantic content must not be empty")
	}
	now := s.now()
	unit := &types.MemoryUnit{
		ID:           uuid.NewString(),
		Category:     types.MemorySemantic,
		Content:      text,
		Metadata:     meta.Clone(),
		Timestamp:    now,
		LastAccessed: now,
		Priority:     types.DefaultPriority,
	}
	res, err := s.ingest(ctx, unit)
	if err != nil {
		return nil, nil, err
	}
	return unit.Clone(), res, nil
}

// Accept takes over a unit promoted from another tier. The id is kept.
func (s *SemanticMemory) Accept(ctx context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	u := unit.Clone()
	u.Category = types.MemorySemantic
	u.ExpiresAt = nil
	_, err := s.ingest(ctx, u)
	return err
}

func (s *SemanticMemory) ingest(ctx context.Context, unit *types.MemoryUnit) (*SemanticResult, error) {
	ctx, span := s.opts.startSpan(ctx, "memory.semantic.store", types.MemorySemantic,
		attribute.String("memory.id", unit.ID))
	var err error
	defer func() { endSpan(span, err) }()

	res := s.extractInto(ctx, unit.Text(), unit.ID)
	if unit.Metadata.Semantic == nil {
		unit.Metadata.Semantic = &types.SemanticMeta{}
	}
	for _, c := range res.Concepts {
		unit.Metadata.Semantic.ConceptIDs = types.UnionStrings(unit.Metadata.Semantic.ConceptIDs, []string{c.ID})
		unit.Metadata.Semantic.Concepts = types.UnionStrings(unit.Metadata.Semantic.Concepts, []string{c.Label})
	}

	if err = s.opts.mirror(ctx, unit); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache.Put(unit.ID, unit.Clone(), unit.Priority)
	size := s.cache.Len()
	s.mu.Unlock()

	s.opts.recorder.RecordStore(string(types.MemorySemantic))
	s.opts.recorder.RecordTierSize(string(types.MemorySemantic), size)
	return res, nil
}

// extractInto runs the extractor and resolves entities against the graph.
// Extraction failures are logged and yield no concepts.
func (s *SemanticMemory) extractInto(ctx context.Context, text, sourceID string) *SemanticResult {
	res := &SemanticResult{}
	if s.extractor == nil || strings.TrimSpace(text) == "" {
		return res
	}
	ex, err := s.extractor.Extract(ctx, text)
	if err != nil {
		s.logger.Warn("concept extraction failed", zap.String("source", sourceID), zap.Error(err))
		return res
	}
	if ex == nil {
		return res
	}

	resolved := make(map[string]string, len(ex.Entities))
	for _, ent := range ex.Entities {
		if strings.TrimSpace(ent.Label) == "" {
			continue
		}
		node, merged, err := s.resolveEntity(ctx, ent, sourceID)
		if err != nil {
			s.logger.Warn("concept not stored", zap.String("label", ent.Label), zap.Error(err))
			continue
		}
		if merged {
			res.Merged++
		}
		resolved[normalizeLabel(ent.Label)] = node.ID
		res.Concepts = append(res.Concepts, node)
	}

	for _, rel := range ex.Relations {
		srcID, ok1 := resolved[normalizeLabel(rel.Source)]
		dstID, ok2 := resolved[normalizeLabel(rel.Target)]
		if !ok1 || !ok2 {
			continue
		}
		conf := rel.Confidence
		if conf <= 0 {
			conf = s.config.DefaultConfidence
		}
		r, err := s.graph.AddRelation(ctx, &types.ConceptRelation{
			SourceID:   srcID,
			TargetID:   dstID,
			Type:       rel.Type,
			Confidence: math.Min(conf, 1),
			Source:     []string{sourceID},
		})
		if err != nil {
			s.logger.Debug("relation skipped", zap.String("type", string(rel.Type)), zap.Error(err))
			continue
		}
		res.Relations = append(res.Relations, r)
	}
	return res
}

// resolveEntity adds ent as a new concept or merges it into the most similar
// existing concept with the same label.
func (s *SemanticMemory) resolveEntity(ctx context.Context, ent ExtractedEntity, sourceID string) (*types.ConceptNode, bool, error) {
	conf := ent.Confidence
	if conf <= 0 {
		conf = s.config.DefaultConfidence
	}
	candidate := &types.ConceptNode{
		Label:      strings.TrimSpace(ent.Label),
		Type:       ent.Type,
		Properties: ent.Properties,
		Confidence: math.Min(conf, 1),
		Source:     []string{sourceID},
	}

	existing := s.graph.FindNodesByLabel(candidate.Label)
	// Only a merge decision needs the embedding.
	if len(existing) > 0 && s.opts.embedder != nil {
		if emb, err := s.opts.embedder.Embed(ctx, candidate.Label); err == nil {
			candidate.Embedding = emb
		} else {
			s.logger.Debug("embedding failed, using lexical similarity", zap.Error(err))
		}
	}
	var best *types.ConceptNode
	bestScore := -1.0
	for _, n := range existing {
		score := conceptSimilarity(candidate, n)
		if score > bestScore {
			best, bestScore = n, score
		}
	}

	if best == nil || bestScore < s.config.MergeThreshold || !strings.EqualFold(best.Type, candidate.Type) {
		node, err := s.graph.AddNode(ctx, candidate)
		return node, false, err
	}

	// Add the candidate and fold it into the existing concept.
	node, err := s.graph.AddNode(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	merged, err := s.graph.Merge(ctx, node.ID, best.ID)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

// conceptSimilarity is the cosine of the embeddings when both carry one, else a
// lexical similarity of the labels.
func conceptSimilarity(a, b *types.ConceptNode) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return cosine(a.Embedding, b.Embedding)
	}
	return LexicalSimilarity(a.Label, b.Label)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// LexicalSimilarity combines token Jaccard and a normalised edit distance of two
// labels, taking the larger.
func LexicalSimilarity(a, b string) float64 {
	a, b = normalizeLabel(a), normalizeLabel(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	j := jaccard(strings.Fields(a), strings.Fields(b))
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	lev := 1 - float64(levenshtein(ra, rb))/float64(longest)
	return math.Max(j, lev)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Get returns a semantic unit and records the access. Units evicted from memory
// are reloaded from storage.
func (s *SemanticMemory) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	s.mu.Lock()
	u, ok := s.cache.Get(id)
	if ok {
		u.Touch(s.now())
		out := u.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if s.opts.storage == nil {
		return nil, types.NewNotFoundError("semantic memory unit", id)
	}
	loaded, err := s.opts.storage.Load(ctx, id)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.NewNotFoundError("semantic memory unit", id)
		}
		return nil, types.NewCollaboratorError("storage", "load memory unit", err)
	}
	if loaded.Category != types.MemorySemantic {
		return nil, types.NewNotFoundError("semantic memory unit", id)
	}
	loaded.Touch(s.now())
	s.mu.Lock()
	s.cache.Put(loaded.ID, loaded, loaded.Priority)
	s.mu.Unlock()
	return loaded.Clone(), nil
}

// Retrieve returns concepts whose label or type contains query, most confident first.
func (s *SemanticMemory) Retrieve(ctx context.Context, query string, limit int) ([]*types.ConceptNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, types.NewValidationError("limit must not be negative")
	}
	q := normalizeLabel(query)
	var out []*types.ConceptNode
	for _, n := range s.graph.Nodes() {
		if q == "" || strings.Contains(strings.ToLower(n.Label), q) || strings.EqualFold(n.Type, q) {
			out = append(out, n)
		}
	}
	sortConcepts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetrieveUnits returns stored semantic units matching filter.
func (s *SemanticMemory) RetrieveUnits(_ context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*types.MemoryUnit
	for _, u := range s.cache.Values() {
		if filter.Matches(u) {
			s.cache.Get(u.ID)
			u.Touch(now)
			out = append(out, u.Clone())
		}
	}
	sortByImportance(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete removes a semantic unit. Concepts it produced stay in the graph.
func (s *SemanticMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	removed := s.cache.Remove(id)
	s.mu.Unlock()
	if !removed {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		s.cache.Remove(id)
	}
	return s.opts.forget(ctx, id)
}

// Len returns the number of semantic units.
func (s *SemanticMemory) Len() int { return s.cache.Len() }

// Capacity returns the in-memory unit bound.
func (s *SemanticMemory) Capacity() int { return s.cache.Capacity() }

// Cleanup removes isolated concepts below the confidence floor and returns how
// many were removed.
func (s *SemanticMemory) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	for _, n := range s.graph.Nodes() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if n.Confidence >= s.config.MinConfidence || s.graph.Degree(n.ID) > 0 {
			continue
		}
		if err := s.graph.DeleteNode(ctx, n.ID); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("semantic cleanup", zap.Int("concepts_removed", removed))
	}
	return removed, nil
}

// Stats reports tier statistics.
func (s *SemanticMemory) Stats() types.MemoryStats {
	units := s.cache.Values()
	stats := types.MemoryStats{Category: types.MemorySemantic, Units: len(units)}
	for _, u := range units {
		if stats.OldestRecord.IsZero() || u.Timestamp.Before(stats.OldestRecord) {
			stats.OldestRecord = u.Timestamp
		}
		if u.Timestamp.After(stats.NewestRecord) {
			stats.NewestRecord = u.Timestamp
		}
	}
	return stats
}

func sortConcepts(nodes []*types.ConceptNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Confidence != nodes[j].Confidence {
			return nodes[i].Confidence > nodes[j].Confidence
		}
		return nodes[i].ID < nodes[j].ID
	})
}
