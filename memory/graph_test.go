package memory

import (
	"context"
	"testing"

	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func addNode(t *testing.T, g *ConceptGraph, label string, confidence float64) *types.ConceptNode {
	t.Helper()
	n, err := g.AddNode(context.Background(), &types.ConceptNode{Label: label, Type: "thing", Confidence: confidence})
	require.NoError(t, err)
	return n
}

func TestConceptGraph_FindPathIsA(t *testing.T) {
	ctx := context.Background()
	g := NewConceptGraph(nil, zap.NewNop())
	cat := addNode(t, g, "cat", 0.9)
	animal := addNode(t, g, "animal", 0.9)
	living := addNode(t, g, "living-thing", 0.9)

	_, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: cat.ID, TargetID: animal.ID, Type: types.RelationIsA, Confidence: 0.9})
	require.NoError(t, err)
	_, err = g.AddRelation(ctx, &types.ConceptRelation{SourceID: animal.ID, TargetID: living.ID, Type: types.RelationIsA, Confidence: 0.9})
	require.NoError(t, err)

	path, err := g.FindPath(ctx, cat.ID, living.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, cat.ID, path[0].SourceID)
	assert.Equal(t, living.ID, path[1].TargetID)

	// IS_A is directed.
	back, err := g.FindPath(ctx, living.ID, cat.ID)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestConceptGraph_SymmetricRelationsWalkBothWays(t *testing.T) {
	ctx := context.Background()
	g := NewConceptGraph(nil, nil)
	a := addNode(t, g, "coffee", 0.8)
	b := addNode(t, g, "tea", 0.8)
	_, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationSimilarTo, Confidence: 0.7})
	require.NoError(t, err)

	path, err := g.FindPath(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, b.ID, path[0].SourceID)
	assert.Equal(t, a.ID, path[0].TargetID)
}

func TestConceptGraph_AddRelationValidation(t *testing.T) {
	ctx := context.Background()
	g := NewConceptGraph(nil, nil)
	a := addNode(t, g, "a", 0.5)
	b := addNode(t, g, "b", 0.5)

	_, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: "ghost", Type: types.RelationIsA})
	assert.True(t, types.IsValidation(err))
	_, err = g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: b.ID, Type: "LIKES"})
	assert.True(t, types.IsValidation(err))
	assert.Empty(t, g.Relations(), "rejected relations leave no trace")

	r1, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationCauses, Confidence: 0.3})
	require.NoError(t, err)
	r2, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationCauses, Confidence: 0.6})
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, 0.6, r2.Confidence)
	assert.Len(t, g.Relations(), 1)
}

func TestConceptGraph_Merge(t *testing.T) {
	ctx := context.Background()
	g := NewConceptGraph(nil, nil)
	src, err := g.AddNode(ctx, &types.ConceptNode{
		Label: "Kitty", Type: "animal", Confidence: 0.9,
		Source: []string{"u1"}, Properties: map[string]any{"color": "black", "legs": 4},
	})
	require.NoError(t, err)
	dst, err := g.AddNode(ctx, &types.ConceptNode{
		Label: "cat", Type: "animal", Confidence: 0.6,
		Source: []string{"u2"}, Properties: map[string]any{"color": "grey"},
	})
	require.NoError(t, err)
	other := addNode(t, g, "mouse", 0.5)

	_, err = g.AddRelation(ctx, &types.ConceptRelation{SourceID: src.ID, TargetID: other.ID, Type: types.RelationRelatedTo, Confidence: 0.4})
	require.NoError(t, err)
	_, err = g.AddRelation(ctx, &types.ConceptRelation{SourceID: src.ID, TargetID: dst.ID, Type: types.RelationSimilarTo, Confidence: 0.9})
	require.NoError(t, err)

	merged, err := g.Merge(ctx, src.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, merged.ID)
	assert.Equal(t, 0.9, merged.Confidence)
	assert.Equal(t, "Kitty", merged.Label)
	assert.ElementsMatch(t, []string{"u1", "u2"}, merged.Source)
	assert.Equal(t, "grey", merged.Properties["color"])
	assert.Equal(t, 4, merged.Properties["legs"])

	_, err = g.GetNode(ctx, src.ID)
	assert.True(t, types.IsNotFound(err))

	rels := g.Relations()
	require.Len(t, rels, 1, "self loop dropped")
	assert.Equal(t, dst.ID, rels[0].SourceID)
	assert.Equal(t, other.ID, rels[0].TargetID)
	assert.Equal(t, 0.8, rels[0].Confidence)

	assert.Len(t, g.FindNodesByLabel("kitty"), 1)
	assert.Empty(t, g.FindNodesByLabel("cat"))
}

func TestConceptGraph_DeleteNodeCascades(t *testing.T) {
	ctx := context.Background()
	g := NewConceptGraph(nil, nil)
	a := addNode(t, g, "a", 0.5)
	b := addNode(t, g, "b", 0.5)
	_, err := g.AddRelation(ctx, &types.ConceptRelation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationPartOf})
	require.NoError(t, err)

	require.NoError(t, g.DeleteNode(ctx, b.ID))
	assert.Empty(t, g.GetRelations(a.ID))
	assert.Equal(t, GraphStats{Nodes: 1, Relations: 0, RelationTypes: map[types.RelationType]int{}}, g.Stats())
	assert.True(t, types.IsNotFound(g.DeleteNode(ctx, b.ID)))

	_, err = g.FindPath(ctx, a.ID, b.ID)
	assert.True(t, types.IsNotFound(err))
}
