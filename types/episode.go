package types

import (
	"sort"
	"strings"
)

// ConsolidationStatus tracks where an episodic unit is in the consolidation lifecycle.
type ConsolidationStatus string

const (
	ConsolidationNew          ConsolidationStatus = "NEW"
	ConsolidationConsolidated ConsolidationStatus = "CONSOLIDATED"
	ConsolidationAbstract     ConsolidationStatus = "ABSTRACT"
)

// Emotions holds per-label intensities plus derived affect dimensions, all in 0..1.
type Emotions struct {
	Labels     map[string]float64 `json:"labels,omitempty"`
	Valence    float64            `json:"valence,omitempty"`
	Arousal    float64            `json:"arousal,omitempty"`
	Dominance  float64            `json:"dominance,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
}

// Peak returns the highest label intensity.
func (e Emotions) Peak() float64 {
	peak := 0.0
	for _, v := range e.Labels {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Empty reports whether no emotion label is set.
func (e Emotions) Empty() bool {
	return len(e.Labels) == 0
}

// EpisodeContext is the conversational context an episode happened in.
type EpisodeContext struct {
	TopicHistory []string `json:"topic_history,omitempty"`
	Phase        string   `json:"phase,omitempty"`
}

// EpisodicContent is the payload of an episodic memory unit.
type EpisodicContent struct {
	TimeSequence        int64               `json:"time_sequence"`
	Location            string              `json:"location,omitempty"`
	Actors              []string            `json:"actors,omitempty"`
	Actions             []string            `json:"actions,omitempty"`
	Emotions            Emotions            `json:"emotions"`
	Context             EpisodeContext      `json:"context"`
	CoherenceScore      float64             `json:"coherence_score,omitempty"`
	RelatedTo           []string            `json:"related_to,omitempty"`
	ConsolidationStatus ConsolidationStatus `json:"consolidation_status"`
	ConsolidatedInto    string              `json:"consolidated_into,omitempty"`
	Summary             string              `json:"summary,omitempty"`
}

// Text renders the episode for search and extraction.
func (c *EpisodicContent) Text() string {
	if c == nil {
		return ""
	}
	var parts []string
	if c.Summary != "" {
		parts = append(parts, c.Summary)
	}
	if len(c.Actors) > 0 {
		parts = append(parts, strings.Join(c.Actors, ", "))
	}
	if len(c.Actions) > 0 {
		parts = append(parts, strings.Join(c.Actions, ", "))
	}
	if c.Location != "" {
		parts = append(parts, "at "+c.Location)
	}
	return strings.Join(parts, " ")
}

// Clone returns a deep copy.
func (c EpisodicContent) Clone() *EpisodicContent {
	out := c
	out.Actors = cloneStrings(c.Actors)
	out.Actions = cloneStrings(c.Actions)
	out.RelatedTo = cloneStrings(c.RelatedTo)
	out.Context.TopicHistory = cloneStrings(c.Context.TopicHistory)
	if c.Emotions.Labels != nil {
		out.Emotions.Labels = make(map[string]float64, len(c.Emotions.Labels))
		for k, v := range c.Emotions.Labels {
			out.Emotions.Labels[k] = v
		}
	}
	return &out
}

// IsConsolidated reports whether the episode has been folded into a group.
func (c *EpisodicContent) IsConsolidated() bool {
	return c.ConsolidationStatus == ConsolidationConsolidated
}

// IsConsolidationBase reports whether the episode is the representative of a group.
func (c *EpisodicContent) IsConsolidationBase(selfID string) bool {
	return c.IsConsolidated() && c.ConsolidatedInto == selfID
}

// SortedEmotionLabels returns the label names in stable order.
func (e Emotions) SortedEmotionLabels() []string {
	labels := make([]string, 0, len(e.Labels))
	for k := range e.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}
