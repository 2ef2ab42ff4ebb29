package types

import (
	"time"
)

// MemoryCategory identifies the tier a memory unit lives in.
type MemoryCategory string

const (
	// MemoryWorking represents short-term working memory for the current conversation.
	// Storage: ScoredCache with TTL, optionally mirrored to Redis.
	MemoryWorking MemoryCategory = "working"

	// MemoryEpisodic represents discrete experience records.
	MemoryEpisodic MemoryCategory = "episodic"

	// MemorySemantic represents generalized knowledge backed by the concept graph.
	MemorySemantic MemoryCategory = "semantic"

	// MemoryProcedural represents how-to knowledge and learned procedures.
	MemoryProcedural MemoryCategory = "procedural"
)

// Valid reports whether c is one of the known categories.
func (c MemoryCategory) Valid() bool {
	switch c {
	case MemoryWorking, MemoryEpisodic, MemorySemantic, MemoryProcedural:
		return true
	}
	return false
}

// DefaultPriority is assigned to units stored without an explicit priority.
const DefaultPriority = 0.5

// MemoryUnit is the record every tier stores.
type MemoryUnit struct {
	ID           string         `json:"id"`
	Category     MemoryCategory `json:"category"`
	Content      any            `json:"content"`
	Metadata     Metadata       `json:"metadata"`
	Timestamp    time.Time      `json:"timestamp"`
	Priority     float64        `json:"priority"`
	AccessCount  int            `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
	Associations []string       `json:"associations,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Text returns a textual rendering of the unit content.
func (u *MemoryUnit) Text() string {
	switch c := u.Content.(type) {
	case string:
		return c
	case *EpisodicContent:
		return c.Text()
	case EpisodicContent:
		return c.Text()
	case nil:
		return ""
	default:
		return ""
	}
}

// Episode returns the episodic payload, or nil when the unit carries another content type.
func (u *MemoryUnit) Episode() *EpisodicContent {
	switch c := u.Content.(type) {
	case *EpisodicContent:
		return c
	case EpisodicContent:
		return &c
	}
	return nil
}

// Expired reports whether the unit TTL has elapsed at now.
func (u *MemoryUnit) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && !now.Before(*u.ExpiresAt)
}

// Touch records a read access.
func (u *MemoryUnit) Touch(now time.Time) {
	u.AccessCount++
	u.LastAccessed = now
}

// Associate adds id to the association set.
func (u *MemoryUnit) Associate(id string) {
	if id == "" || id == u.ID {
		return
	}
	for _, a := range u.Associations {
		if a == id {
			return
		}
	}
	u.Associations = append(u.Associations, id)
}

// Clone returns a deep copy of the unit. Callers mutate clones and write them back
// through the owning tier.
func (u *MemoryUnit) Clone() *MemoryUnit {
	if u == nil {
		return nil
	}
	c := *u
	c.Metadata = u.Metadata.Clone()
	c.Associations = cloneStrings(u.Associations)
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		c.ExpiresAt = &t
	}
	switch content := u.Content.(type) {
	case *EpisodicContent:
		c.Content = content.Clone()
	case EpisodicContent:
		c.Content = content.Clone()
	}
	return &c
}

// =============================================================================
// Metadata
// =============================================================================

// Metadata is the typed metadata of a memory unit. Per-tier sections are optional;
// Extra holds forward-compatible fields that have no typed home yet.
type Metadata struct {
	Tags                  []string   `json:"tags,omitempty"`
	Source                string     `json:"source,omitempty"`
	Importance            float64    `json:"importance,omitempty"`
	EmotionalSignificance float64    `json:"emotional_significance,omitempty"`
	ContextSwitches       int        `json:"context_switches,omitempty"`
	TokenCount            int        `json:"token_count,omitempty"`
	Promoted              bool       `json:"promoted,omitempty"`
	PromotedFrom          string     `json:"promoted_from,omitempty"`
	PromotedAt            *time.Time `json:"promoted_at,omitempty"`

	Working    *WorkingMeta    `json:"working,omitempty"`
	Episodic   *EpisodicMeta   `json:"episodic,omitempty"`
	Semantic   *SemanticMeta   `json:"semantic,omitempty"`
	Procedural *ProceduralMeta `json:"procedural,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// WorkingMeta holds working-tier settings.
type WorkingMeta struct {
	TTL       time.Duration `json:"ttl,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// EpisodicMeta carries temporal/spatial markers used for tier routing.
type EpisodicMeta struct {
	Location    string `json:"location,omitempty"`
	HasTemporal bool   `json:"has_temporal,omitempty"`
	HasSpatial  bool   `json:"has_spatial,omitempty"`
}

// SemanticMeta carries concept/relation markers.
type SemanticMeta struct {
	Concepts   []string `json:"concepts,omitempty"`
	Relations  []string `json:"relations,omitempty"`
	ConceptIDs []string `json:"concept_ids,omitempty"`
}

// ProceduralMeta carries procedure/step markers.
type ProceduralMeta struct {
	Procedure string   `json:"procedure,omitempty"`
	Steps     []string `json:"steps,omitempty"`
	Triggers  []string `json:"triggers,omitempty"`

	// Execution history, kept with the unit so it survives reloads.
	SuccessRate float64   `json:"success_rate,omitempty"`
	Executions  int       `json:"executions,omitempty"`
	LearnedAt   time.Time `json:"learned_at,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`
}

// HasTag reports whether tag is present.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Get returns an extension value.
func (m Metadata) Get(key string) (any, bool) {
	if m.Extra == nil {
		return nil, false
	}
	v, ok := m.Extra[key]
	return v, ok
}

// Set stores an extension value.
func (m *Metadata) Set(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	c := m
	c.Tags = cloneStrings(m.Tags)
	if m.PromotedAt != nil {
		t := *m.PromotedAt
		c.PromotedAt = &t
	}
	if m.Working != nil {
		w := *m.Working
		c.Working = &w
	}
	if m.Episodic != nil {
		e := *m.Episodic
		c.Episodic = &e
	}
	if m.Semantic != nil {
		s := SemanticMeta{
			Concepts:   cloneStrings(m.Semantic.Concepts),
			Relations:  cloneStrings(m.Semantic.Relations),
			ConceptIDs: cloneStrings(m.Semantic.ConceptIDs),
		}
		c.Semantic = &s
	}
	if m.Procedural != nil {
		p := *m.Procedural
		p.Steps = cloneStrings(m.Procedural.Steps)
		p.Triggers = cloneStrings(m.Procedural.Triggers)
		c.Procedural = &p
	}
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// TimeRange represents a time range for filtering. Zero bounds are open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// MemoryStats provides statistics about a tier.
type MemoryStats struct {
	Category     MemoryCategory `json:"category"`
	Units        int            `json:"units"`
	Capacity     int            `json:"capacity,omitempty"`
	Tokens       int            `json:"tokens,omitempty"`
	OldestRecord time.Time      `json:"oldest_record,omitempty"`
	NewestRecord time.Time      `json:"newest_record,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// UnionStrings returns the ordered union of the given sets, dropping empties.
func UnionStrings(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, s := range set {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
