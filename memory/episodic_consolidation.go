package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/BaSui01/agentmemory/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckForConsolidation groups the episode id with every unconsolidated episode at
// least ConsolidationThreshold similar to it. When the group reaches MinClusterSize
// it is consolidated and the base id is returned; otherwise "" is returned.
func (e *EpisodicMemory) CheckForConsolidation(ctx context.Context, id string) (string, error) {
	ctx, span := e.opts.startSpan(ctx, "memory.episodic.consolidate", types.MemoryEpisodic,
		attribute.String("memory.id", id))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consolidateAroundLocked(ctx, id)
}

// ConsolidateAll walks unconsolidated episodes in time order and consolidates
// every group it can form. It returns the number of groups formed.
func (e *EpisodicMemory) ConsolidateAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	units := e.cache.Values()
	sortByTimeSequence(units)
	groups := 0
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return groups, err
		}
		base, err := e.consolidateAroundLocked(ctx, u.ID)
		if err != nil {
			return groups, err
		}
		if base != "" {
			groups++
		}
	}
	return groups, nil
}

func (e *EpisodicMemory) consolidateAroundLocked(ctx context.Context, id string) (string, error) {
	seed, ok := e.cache.Peek(id)
	if !ok {
		return "", types.NewNotFoundError("episodic memory unit", id)
	}
	seedEp := seed.Episode()
	if seedEp == nil || seedEp.IsConsolidated() {
		return "", nil
	}

	group := []*types.MemoryUnit{seed}
	var simSum float64
	for _, u := range e.cache.Values() {
		if u.ID == seed.ID {
			continue
		}
		ep := u.Episode()
		if ep == nil || ep.IsConsolidated() {
			continue
		}
		s := EpisodeSimilarity(seedEp, ep, e.config.TemporalWindow)
		if s >= e.config.ConsolidationThreshold {
			group = append(group, u)
			simSum += s
		}
	}
	if len(group) < e.config.MinClusterSize {
		return "", nil
	}

	merged := mergeEpisodes(group, simSum/float64(len(group)-1))

	previous := make(map[string]*types.MemoryUnit, len(group))
	for _, u := range group {
		previous[u.ID] = u.Clone()
	}
	// Nothing is applied unless the whole group is written through.
	if err := e.opts.mirrorAll(ctx, merged, previous); err != nil {
		e.logger.Warn("consolidation write-through failed, group left unconsolidated",
			zap.String("seed", seed.ID), zap.Error(err))
		return "", err
	}
	for _, u := range merged {
		e.cache.Put(u.ID, u, u.Priority)
	}

	base := merged[0]
	e.opts.recorder.RecordConsolidation(len(merged))
	e.logger.Info("episodes consolidated",
		zap.String("base", base.ID),
		zap.Int("group_size", len(merged)))
	return base.ID, nil
}

// mergeEpisodes returns consolidated copies of group with the base first. The base
// is the most important unit and absorbs the union of the group's actors, actions
// and links; every member points at it.
func mergeEpisodes(group []*types.MemoryUnit, coherence float64) []*types.MemoryUnit {
	ordered := make([]*types.MemoryUnit, len(group))
	for i, u := range group {
		ordered[i] = u.Clone()
	}
	sortByTimeSequence(ordered)

	baseIdx := 0
	for i, u := range ordered {
		b := ordered[baseIdx]
		if u.Metadata.Importance > b.Metadata.Importance ||
			(u.Metadata.Importance == b.Metadata.Importance && u.Timestamp.Before(b.Timestamp)) {
			baseIdx = i
		}
	}
	base := ordered[baseIdx]
	baseEp := base.Episode()

	var actors, actions, related [][]string
	locations := make(map[string]int)
	var locationOrder []string
	earliest := baseEp.TimeSequence
	for _, u := range ordered {
		ep := u.Episode()
		actors = append(actors, ep.Actors)
		actions = append(actions, ep.Actions)
		related = append(related, ep.RelatedTo)
		if ep.Location != "" {
			key := strings.ToLower(ep.Location)
			if locations[key] == 0 {
				locationOrder = append(locationOrder, ep.Location)
			}
			locations[key]++
		}
		if ep.TimeSequence > 0 && (earliest == 0 || ep.TimeSequence < earliest) {
			earliest = ep.TimeSequence
		}
	}

	baseEp.Actors = types.UnionStrings(actors...)
	baseEp.Actions = types.UnionStrings(actions...)
	baseEp.Emotions = averageEmotions(ordered)
	baseEp.TimeSequence = earliest
	baseEp.CoherenceScore = coherence
	best := 0
	for _, loc := range locationOrder {
		if n := locations[strings.ToLower(loc)]; n > best {
			best = n
			baseEp.Location = loc
		}
	}

	var memberIDs []string
	for _, u := range ordered {
		if u.ID != base.ID {
			memberIDs = append(memberIDs, u.ID)
		}
	}
	baseRelated := types.UnionStrings(related...)
	baseEp.RelatedTo = nil
	for _, r := range baseRelated {
		if r != base.ID {
			baseEp.RelatedTo = append(baseEp.RelatedTo, r)
		}
	}
	baseEp.ConsolidationStatus = types.ConsolidationConsolidated
	baseEp.ConsolidatedInto = base.ID

	maxImportance := 0.0
	for _, u := range ordered {
		if u.Metadata.Importance > maxImportance {
			maxImportance = u.Metadata.Importance
		}
	}
	base.Metadata.Importance = maxImportance
	base.Metadata.EmotionalSignificance = EmotionalSignificance(baseEp.Emotions)
	base.Priority = maxImportance
	if base.Metadata.Episodic != nil && baseEp.Location != "" {
		base.Metadata.Episodic.Location = baseEp.Location
	}
	for _, id := range memberIDs {
		base.Associate(id)
	}

	out := []*types.MemoryUnit{base}
	for _, u := range ordered {
		if u.ID == base.ID {
			continue
		}
		ep := u.Episode()
		ep.ConsolidationStatus = types.ConsolidationConsolidated
		ep.ConsolidatedInto = base.ID
		u.Associate(base.ID)
		out = append(out, u)
	}
	return out
}

// averageEmotions averages each label over the units that carry it, and the
// affect dimensions over the units with any emotion.
func averageEmotions(units []*types.MemoryUnit) types.Emotions {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	var out types.Emotions
	n := 0
	for _, u := range units {
		em := u.Episode().Emotions
		if em.Empty() {
			continue
		}
		n++
		for label, v := range em.Labels {
			sums[label] += v
			counts[label]++
		}
		out.Valence += em.Valence
		out.Arousal += em.Arousal
		out.Dominance += em.Dominance
		out.Confidence += em.Confidence
	}
	if n == 0 {
		return types.Emotions{}
	}
	labels := make([]string, 0, len(sums))
	for l := range sums {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	out.Labels = make(map[string]float64, len(labels))
	for _, l := range labels {
		out.Labels[l] = sums[l] / float64(counts[l])
	}
	out.Valence /= float64(n)
	out.Arousal /= float64(n)
	out.Dominance /= float64(n)
	out.Confidence /= float64(n)
	return out
}
