package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUnit_CloneIsDeep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	orig := &MemoryUnit{
		ID:        "u1",
		Category:  MemoryEpisodic,
		Timestamp: now,
		Content: &EpisodicContent{
			Actors:   []string{"alice"},
			Emotions: Emotions{Labels: map[string]float64{"happy": 0.4}},
		},
		Metadata:     Metadata{Tags: []string{"a"}, Extra: map[string]any{"k": "v"}},
		Associations: []string{"u2"},
	}

	c := orig.Clone()
	c.Episode().Actors[0] = "bob"
	c.Episode().Emotions.Labels["happy"] = 1
	c.Metadata.Tags[0] = "b"
	c.Metadata.Extra["k"] = "changed"
	c.Associations[0] = "u3"

	assert.Equal(t, "alice", orig.Episode().Actors[0])
	assert.Equal(t, 0.4, orig.Episode().Emotions.Labels["happy"])
	assert.Equal(t, "a", orig.Metadata.Tags[0])
	assert.Equal(t, "v", orig.Metadata.Extra["k"])
	assert.Equal(t, "u2", orig.Associations[0])
}

func TestMemoryUnit_JSONKeepsContentKind(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	units := []*MemoryUnit{
		{ID: "text", Category: MemoryWorking, Content: "remember the milk", Timestamp: now},
		{ID: "ep", Category: MemoryEpisodic, Timestamp: now, Content: &EpisodicContent{
			Location:            "kitchen",
			Actions:             []string{"cook"},
			ConsolidationStatus: ConsolidationNew,
		}},
	}

	for _, u := range units {
		data, err := json.Marshal(u)
		require.NoError(t, err)

		var back MemoryUnit
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, u.ID, back.ID)
		assert.Equal(t, u.Text(), back.Text())
	}

	var back MemoryUnit
	data, _ := json.Marshal(units[1])
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Episode())
	assert.Equal(t, "kitchen", back.Episode().Location)
}

func TestFilter_Validate(t *testing.T) {
	lo, hi := 0.8, 0.2
	bad := 1.5
	tests := []struct {
		name    string
		filter  Filter
		wantErr bool
	}{
		{"empty", Filter{}, false},
		{"negative limit", Filter{Limit: -1}, true},
		{"unknown category", Filter{Categories: []MemoryCategory{"dream"}}, true},
		{"inverted priority", Filter{Priority: &FloatRange{Min: &lo, Max: &hi}}, true},
		{"priority out of range", Filter{Priority: &FloatRange{Max: &bad}}, true},
		{"inverted time range", Filter{TimeRange: &TimeRange{
			Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}}, true},
		{"unknown status", Filter{ConsolidationStatus: "MERGED"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	u := &MemoryUnit{
		ID:           "u1",
		Category:     MemoryEpisodic,
		Timestamp:    now,
		Priority:     0.7,
		AccessCount:  4,
		Associations: []string{"u9"},
		Metadata:     Metadata{Tags: []string{"cooking"}, Extra: map[string]any{"mood": "calm"}},
		Content: &EpisodicContent{
			Location:            "kitchen",
			Actions:             []string{"cook"},
			ConsolidationStatus: ConsolidationNew,
		},
	}
	floor := 0.5

	assert.True(t, Filter{}.Matches(u))
	assert.True(t, Filter{Categories: []MemoryCategory{MemoryEpisodic}}.Matches(u))
	assert.False(t, Filter{Categories: []MemoryCategory{MemoryWorking}}.Matches(u))
	assert.True(t, Filter{Metadata: map[string]any{"location": "kitchen", "mood": "calm"}}.Matches(u))
	assert.False(t, Filter{Metadata: map[string]any{"mood": "angry"}}.Matches(u))
	assert.True(t, Filter{Content: "COOK"}.Matches(u))
	assert.True(t, Filter{Query: "cooking kitchen"}.Matches(u))
	assert.True(t, Filter{Priority: &FloatRange{Min: &floor}}.Matches(u))
	assert.True(t, Filter{MinAccessCount: 4, AssociatedWith: "u9"}.Matches(u))
	assert.False(t, Filter{MinAccessCount: 5}.Matches(u))
	assert.True(t, Filter{ConsolidationStatus: ConsolidationNew}.Matches(u))
	assert.False(t, Filter{ConsolidationStatus: ConsolidationConsolidated}.Matches(u))
	assert.False(t, Filter{TimeRange: &TimeRange{Start: now.Add(time.Hour)}}.Matches(u))
}

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("store: %w", NewNotFoundError("unit", "x"))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsValidation(wrapped))

	collab := NewCollaboratorError("redis", "write failed", errors.New("conn reset"))
	assert.True(t, IsCollaborator(collab))
	assert.True(t, IsRetryable(collab))
	assert.Contains(t, collab.Error(), "conn reset")
}

func TestUnionStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UnionStrings([]string{"a", "b"}, []string{"b", "", "c"}))
}
