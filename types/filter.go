package types

import (
	"fmt"
	"strings"
)

// FloatRange is an inclusive numeric range. Nil bounds are open.
type FloatRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v lies inside the range.
func (r FloatRange) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Filter selects memory units. Empty fields match everything; set fields are ANDed.
type Filter struct {
	Categories          []MemoryCategory    `json:"categories,omitempty"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
	Content             string              `json:"content,omitempty"`
	TimeRange           *TimeRange          `json:"time_range,omitempty"`
	IDs                 []string            `json:"ids,omitempty"`
	Query               string              `json:"query,omitempty"`
	Priority            *FloatRange         `json:"priority,omitempty"`
	ConsolidationStatus ConsolidationStatus `json:"consolidation_status,omitempty"`
	MinAccessCount      int                 `json:"min_access_count,omitempty"`
	AssociatedWith      string              `json:"associated_with,omitempty"`
	Limit               int                 `json:"limit,omitempty"`
}

// Validate rejects malformed filters.
func (f Filter) Validate() error {
	for _, c := range f.Categories {
		if !c.Valid() {
			return NewValidationError("unknown memory category %q", c)
		}
	}
	if f.Limit < 0 {
		return NewValidationError("limit must not be negative")
	}
	if f.MinAccessCount < 0 {
		return NewValidationError("min_access_count must not be negative")
	}
	if f.TimeRange != nil && !f.TimeRange.Start.IsZero() && !f.TimeRange.End.IsZero() &&
		f.TimeRange.End.Before(f.TimeRange.Start) {
		return NewValidationError("time range end precedes start")
	}
	if f.Priority != nil {
		if f.Priority.Min != nil && (*f.Priority.Min < 0 || *f.Priority.Min > 1) {
			return NewValidationError("priority min out of range 0..1")
		}
		if f.Priority.Max != nil && (*f.Priority.Max < 0 || *f.Priority.Max > 1) {
			return NewValidationError("priority max out of range 0..1")
		}
		if f.Priority.Min != nil && f.Priority.Max != nil && *f.Priority.Max < *f.Priority.Min {
			return NewValidationError("priority max below min")
		}
	}
	switch f.ConsolidationStatus {
	case "", ConsolidationNew, ConsolidationConsolidated, ConsolidationAbstract:
	default:
		return NewValidationError("unknown consolidation status %q", f.ConsolidationStatus)
	}
	return nil
}

// Matches evaluates the filter against a unit in memory.
func (f Filter) Matches(u *MemoryUnit) bool {
	if u == nil {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, u.Category) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, u.ID) {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(u.Timestamp) {
		return false
	}
	if f.Priority != nil && !f.Priority.Contains(u.Priority) {
		return false
	}
	if f.MinAccessCount > 0 && u.AccessCount < f.MinAccessCount {
		return false
	}
	if f.AssociatedWith != "" && !containsString(u.Associations, f.AssociatedWith) {
		return false
	}
	if f.ConsolidationStatus != "" {
		ep := u.Episode()
		if ep == nil || ep.ConsolidationStatus != f.ConsolidationStatus {
			return false
		}
	}
	text := strings.ToLower(u.Text())
	if f.Content != "" && !strings.Contains(text, strings.ToLower(f.Content)) {
		return false
	}
	if f.Query != "" && !matchesQuery(text, u.Metadata.Tags, f.Query) {
		return false
	}
	for k, v := range f.Metadata {
		if !metadataMatches(u, k, v) {
			return false
		}
	}
	return true
}

// matchesQuery requires every query term to occur in the text or the tags.
func matchesQuery(text string, tags []string, query string) bool {
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(text, term) {
			continue
		}
		found := false
		for _, t := range tags {
			if strings.EqualFold(t, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func metadataMatches(u *MemoryUnit, key string, want any) bool {
	switch key {
	case "tag", "tags":
		return u.Metadata.HasTag(fmt.Sprint(want))
	case "source":
		return u.Metadata.Source == fmt.Sprint(want)
	case "location":
		if ep := u.Episode(); ep != nil && ep.Location == fmt.Sprint(want) {
			return true
		}
		return u.Metadata.Episodic != nil && u.Metadata.Episodic.Location == fmt.Sprint(want)
	case "session_id":
		return u.Metadata.Working != nil && u.Metadata.Working.SessionID == fmt.Sprint(want)
	case "promoted":
		return fmt.Sprint(u.Metadata.Promoted) == fmt.Sprint(want)
	}
	got, ok := u.Metadata.Get(key)
	if !ok {
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func containsCategory(list []MemoryCategory, c MemoryCategory) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
