package memory

import (
	"math"
	"strings"
	"time"

	"github.com/BaSui01/agentmemory/types"
)

// Similarity weights per episode dimension. They sum to 1.
const (
	weightLocation = 0.3
	weightActors   = 0.25
	weightActions  = 0.25
	weightEmotion  = 0.1
	weightTemporal = 0.1
)

// negative emotions weigh more in significance than positive ones.
var emotionWeights = map[string]float64{
	"sad":        1.2,
	"angry":      1.2,
	"afraid":     1.2,
	"fear":       1.2,
	"anxious":    1.2,
	"disgusted":  1.2,
	"frustrated": 1.2,
	"happy":      0.8,
	"excited":    0.8,
	"joy":        0.8,
	"proud":      0.8,
	"grateful":   0.8,
}

// EpisodeSimilarity scores two episodes in 0..1. Dimensions missing on either side
// are left out of both the weighted sum and the normalising denominator, so two
// episodes that only share a location can still be identical. The score is symmetric.
func EpisodeSimilarity(a, b *types.EpisodicContent, temporalWindow time.Duration) float64 {
	if a == nil || b == nil {
		return 0
	}
	var sum, weight float64
	add := func(w, s float64) {
		sum += w * s
		weight += w
	}

	if a.Location != "" && b.Location != "" {
		if strings.EqualFold(a.Location, b.Location) {
			add(weightLocation, 1)
		} else {
			add(weightLocation, 0)
		}
	}
	if len(a.Actors) > 0 && len(b.Actors) > 0 {
		add(weightActors, jaccard(a.Actors, b.Actors))
	}
	if len(a.Actions) > 0 && len(b.Actions) > 0 {
		add(weightActions, jaccard(a.Actions, b.Actions))
	}
	if !a.Emotions.Empty() && !b.Emotions.Empty() {
		add(weightEmotion, emotionSimilarity(a.Emotions, b.Emotions))
	}
	if a.TimeSequence > 0 && b.TimeSequence > 0 && temporalWindow > 0 {
		add(weightTemporal, temporalSimilarity(a.TimeSequence, b.TimeSequence, temporalWindow))
	}

	if weight == 0 {
		return 0
	}
	return sum / weight
}

// emotionSimilarity is 1 minus the mean absolute intensity difference over the
// union of labels. A label missing on one side counts as intensity 0.
func emotionSimilarity(a, b types.Emotions) float64 {
	labels := make(map[string]struct{}, len(a.Labels)+len(b.Labels))
	for k := range a.Labels {
		labels[k] = struct{}{}
	}
	for k := range b.Labels {
		labels[k] = struct{}{}
	}
	var diff float64
	for k := range labels {
		diff += math.Abs(a.Labels[k] - b.Labels[k])
	}
	return clamp01(1 - diff/float64(len(labels)))
}

// temporalSimilarity decays linearly from 1 to 0 across window. Sequences are
// unix milliseconds.
func temporalSimilarity(a, b int64, window time.Duration) float64 {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	return clamp01(1 - float64(delta)/float64(window.Milliseconds()))
}

func jaccard(a, b []string) float64 {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		k := strings.ToLower(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := set[k]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// CalculateImportance scores how much an episode is worth keeping: 0.2 base, 0.15
// per populated dimension and 0.2 times the strongest emotion, capped at 1.
func CalculateImportance(c *types.EpisodicContent) float64 {
	if c == nil {
		return 0
	}
	score := 0.2
	if len(c.Actors) > 0 {
		score += 0.15
	}
	if len(c.Actions) > 0 {
		score += 0.15
	}
	if c.Location != "" {
		score += 0.15
	}
	if !c.Emotions.Empty() {
		score += 0.15
	}
	score += 0.2 * c.Emotions.Peak()
	return math.Min(score, 1)
}

// EmotionalSignificance maps label intensities to 0..1 through tanh(2x) of their
// weighted mean. The mean is normalised by the total weight, so weights only shift
// the balance between labels of one episode.
func EmotionalSignificance(e types.Emotions) float64 {
	if e.Empty() {
		return 0
	}
	var total, totalWeight float64
	for label, v := range e.Labels {
		w, ok := emotionWeights[strings.ToLower(label)]
		if !ok {
			w = 1
		}
		total += w * v
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(math.Tanh(2 * total / totalWeight))
}

func validateEmotions(e types.Emotions) error {
	for label, v := range e.Labels {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return types.NewValidationError("emotion %q intensity %v out of range 0..1", label, v)
		}
	}
	for name, v := range map[string]float64{
		"valence": e.Valence, "arousal": e.Arousal, "dominance": e.Dominance, "confidence": e.Confidence,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return types.NewValidationError("emotion %s %v out of range 0..1", name, v)
		}
	}
	return nil
}
