package types

import "time"

// RelationType enumerates concept graph edge kinds.
type RelationType string

const (
	RelationIsA        RelationType = "IS_A"
	RelationHasA       RelationType = "HAS_A"
	RelationPartOf     RelationType = "PART_OF"
	RelationRelatedTo  RelationType = "RELATED_TO"
	RelationSimilarTo  RelationType = "SIMILAR_TO"
	RelationOppositeOf RelationType = "OPPOSITE_OF"
	RelationCauses     RelationType = "CAUSES"
	RelationPrecededBy RelationType = "PRECEDED_BY"
	RelationFollowedBy RelationType = "FOLLOWED_BY"
	RelationUsedFor    RelationType = "USED_FOR"
)

// Valid reports whether r is a known relation type.
func (r RelationType) Valid() bool {
	switch r {
	case RelationIsA, RelationHasA, RelationPartOf, RelationRelatedTo, RelationSimilarTo,
		RelationOppositeOf, RelationCauses, RelationPrecededBy, RelationFollowedBy, RelationUsedFor:
		return true
	}
	return false
}

// Symmetric reports whether the relation holds in both directions.
func (r RelationType) Symmetric() bool {
	return r == RelationSimilarTo || r == RelationRelatedTo
}

// ConceptNode is a node of the semantic concept graph.
type ConceptNode struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Confidence  float64        `json:"confidence"`
	LastUpdated time.Time      `json:"last_updated"`
	Source      []string       `json:"source,omitempty"`
	Embedding   []float32      `json:"embedding,omitempty"`
}

// Clone returns a deep copy.
func (n *ConceptNode) Clone() *ConceptNode {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = cloneAnyMap(n.Properties)
	c.Source = cloneStrings(n.Source)
	if n.Embedding != nil {
		c.Embedding = append([]float32(nil), n.Embedding...)
	}
	return &c
}

// ConceptRelation is a directed edge of the concept graph.
type ConceptRelation struct {
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	TargetID    string         `json:"target_id"`
	Type        RelationType   `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Confidence  float64        `json:"confidence"`
	LastUpdated time.Time      `json:"last_updated"`
	Source      []string       `json:"source,omitempty"`
}

// Clone returns a deep copy.
func (r *ConceptRelation) Clone() *ConceptRelation {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = cloneAnyMap(r.Properties)
	c.Source = cloneStrings(r.Source)
	return &c
}

// Reversed returns a copy oriented from target to source.
func (r ConceptRelation) Reversed() ConceptRelation {
	r.SourceID, r.TargetID = r.TargetID, r.SourceID
	return r
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
