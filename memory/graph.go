package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mergedRelationConfidence 合并节点时被改写的关系至少具有该置信度。
const mergedRelationConfidence = 0.8

// GraphStats 概念图统计信息。
type GraphStats struct {
	Nodes         int                        `json:"nodes"`
	Relations     int                        `json:"relations"`
	RelationTypes map[types.RelationType]int `json:"relation_types,omitempty"`
}

// ConceptGraph 基于内存的概念图，支撑语义记忆。
// 对外返回的节点和关系均为副本。
type ConceptGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*types.ConceptNode
	relations map[string]*types.ConceptRelation
	// outRels 记录从某个节点出发的关系 ID
	outRels map[string][]string
	// inRels 记录指向某个节点的关系 ID
	inRels map[string][]string
	// labels 小写标签 -> 节点 ID
	labels map[string][]string

	now    func() time.Time
	logger *zap.Logger
}

// NewConceptGraph 创建概念图。now 为 nil 时使用 time.Now。
func NewConceptGraph(now func() time.Time, logger *zap.Logger) *ConceptGraph {
	if now == nil {
		now = time.Now
	}
	return &ConceptGraph{
		nodes:     make(map[string]*types.ConceptNode),
		relations: make(map[string]*types.ConceptRelation),
		outRels:   make(map[string][]string),
		inRels:    make(map[string][]string),
		labels:    make(map[string][]string),
		now:       now,
		logger:    loggerOrNop(logger).With(zap.String("component", "concept_graph")),
	}
}

// AddNode 添加节点。ID 为空时自动生成。
func (g *ConceptGraph) AddNode(ctx context.Context, node *types.ConceptNode) (*types.ConceptNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node == nil || strings.TrimSpace(node.Label) == "" {
		return nil, types.NewValidationError("concept label is required")
	}
	if node.Confidence < 0 || node.Confidence > 1 {
		return nil, types.NewValidationError("concept confidence %v out of range 0..1", node.Confidence)
	}

	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.LastUpdated = g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[n.ID]; exists {
		return nil, types.NewValidationError("concept %q already exists", n.ID)
	}
	g.nodes[n.ID] = n
	g.indexLabelLocked(n)

	g.logger.Debug("concept added",
		zap.String("id", n.ID),
		zap.String("label", n.Label),
		zap.String("type", n.Type))
	return n.Clone(), nil
}

// UpdateNode 替换已存在的节点。
func (g *ConceptGraph) UpdateNode(ctx context.Context, node *types.ConceptNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node == nil || node.ID == "" {
		return types.NewValidationError("concept id is required")
	}
	if strings.TrimSpace(node.Label) == "" {
		return types.NewValidationError("concept label is required")
	}
	if node.Confidence < 0 || node.Confidence > 1 {
		return types.NewValidationError("concept confidence %v out of range 0..1", node.Confidence)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.nodes[node.ID]
	if !ok {
		return types.NewNotFoundError("concept", node.ID)
	}
	g.unindexLabelLocked(old)
	n := node.Clone()
	n.LastUpdated = g.now()
	g.nodes[n.ID] = n
	g.indexLabelLocked(n)
	return nil
}

// AddRelation 添加关系。两端节点必须存在，类型必须合法。
// 同一 (source, target, type) 的关系只保留一条，置信度取较大值。
func (g *ConceptGraph) AddRelation(ctx context.Context, rel *types.ConceptRelation) (*types.ConceptRelation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, types.NewValidationError("relation is nil")
	}
	if !rel.Type.Valid() {
		return nil, types.NewValidationError("unknown relation type %q", rel.Type)
	}
	if rel.SourceID == rel.TargetID {
		return nil, types.NewValidationError("relation endpoints must differ")
	}
	if rel.Confidence < 0 || rel.Confidence > 1 {
		return nil, types.NewValidationError("relation confidence %v out of range 0..1", rel.Confidence)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[rel.SourceID]; !ok {
		return nil, types.NewValidationError("relation source %q does not exist", rel.SourceID)
	}
	if _, ok := g.nodes[rel.TargetID]; !ok {
		return nil, types.NewValidationError("relation target %q does not exist", rel.TargetID)
	}
	return g.addRelationLocked(rel.Clone()).Clone(), nil
}

func (g *ConceptGraph) addRelationLocked(r *types.ConceptRelation) *types.ConceptRelation {
	r.LastUpdated = g.now()
	if existing := g.findRelationLocked(r.SourceID, r.TargetID, r.Type); existing != nil {
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
		}
		existing.Source = types.UnionStrings(existing.Source, r.Source)
		for k, v := range r.Properties {
			if existing.Properties == nil {
				existing.Properties = make(map[string]any)
			}
			existing.Properties[k] = v
		}
		existing.LastUpdated = r.LastUpdated
		return existing
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	g.relations[r.ID] = r
	g.outRels[r.SourceID] = append(g.outRels[r.SourceID], r.ID)
	g.inRels[r.TargetID] = append(g.inRels[r.TargetID], r.ID)
	return r
}

func (g *ConceptGraph) findRelationLocked(src, dst string, typ types.RelationType) *types.ConceptRelation {
	for _, id := range g.outRels[src] {
		r := g.relations[id]
		if r.TargetID == dst && r.Type == typ {
			return r
		}
	}
	return nil
}

// GetNode 按 ID 获取节点。
func (g *ConceptGraph) GetNode(ctx context.Context, id string) (*types.ConceptNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, types.NewNotFoundError("concept", id)
	}
	return n.Clone(), nil
}

// FindNodesByLabel 按标签查找节点，忽略大小写。
func (g *ConceptGraph) FindNodesByLabel(label string) []*types.ConceptNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.labels[normalizeLabel(label)]
	out := make([]*types.ConceptNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// GetRelations 返回与节点相连的所有关系（出边和入边）。
func (g *ConceptGraph) GetRelations(nodeID string) []types.ConceptRelation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []types.ConceptRelation
	for _, id := range g.outRels[nodeID] {
		out = append(out, *g.relations[id].Clone())
	}
	for _, id := range g.inRels[nodeID] {
		out = append(out, *g.relations[id].Clone())
	}
	return out
}

// FindPath 广度优先搜索 src 到 dst 的最短路径。
// 对称关系双向可达，反向经过时关系被翻转，保证首条关系 SourceID == src、
// 末条关系 TargetID == dst。无路径时返回空切片。
func (g *ConceptGraph) FindPath(ctx context.Context, src, dst string) ([]types.ConceptRelation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[src]; !ok {
		return nil, types.NewNotFoundError("concept", src)
	}
	if _, ok := g.nodes[dst]; !ok {
		return nil, types.NewNotFoundError("concept", dst)
	}
	if src == dst {
		return nil, nil
	}

	type step struct {
		prev string
		rel  types.ConceptRelation
	}
	visited := map[string]step{src: {}}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range g.edgesLocked(cur) {
			next := edge.TargetID
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = step{prev: cur, rel: edge}
			if next == dst {
				var path []types.ConceptRelation
				for at := dst; at != src; at = visited[at].prev {
					path = append(path, visited[at].rel)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, nil
}

// edgesLocked 返回从 id 出发可走的关系，均以 id 为 SourceID。
func (g *ConceptGraph) edgesLocked(id string) []types.ConceptRelation {
	var out []types.ConceptRelation
	for _, rid := range g.outRels[id] {
		out = append(out, *g.relations[rid].Clone())
	}
	for _, rid := range g.inRels[id] {
		r := g.relations[rid]
		if r.Type.Symmetric() {
			out = append(out, r.Clone().Reversed())
		}
	}
	return out
}

// Merge 将 src 合并到 dst：置信度取最大值，标签取置信度较高一方，
// 属性取并集（dst 优先），来源取并集。src 的关系改写到 dst，
// 置信度至少为 0.8，产生的自环被丢弃。合并后 src 被删除。
func (g *ConceptGraph) Merge(ctx context.Context, srcID, dstID string) (*types.ConceptNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if srcID == dstID {
		return nil, types.NewValidationError("cannot merge concept %q into itself", srcID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.nodes[srcID]
	if !ok {
		return nil, types.NewNotFoundError("concept", srcID)
	}
	dst, ok := g.nodes[dstID]
	if !ok {
		return nil, types.NewNotFoundError("concept", dstID)
	}

	g.unindexLabelLocked(dst)
	if src.Confidence > dst.Confidence {
		dst.Label = src.Label
		dst.Confidence = src.Confidence
	}
	if dst.Type == "" {
		dst.Type = src.Type
	}
	props := make(map[string]any, len(src.Properties)+len(dst.Properties))
	for k, v := range src.Properties {
		props[k] = v
	}
	for k, v := range dst.Properties {
		props[k] = v
	}
	if len(props) > 0 {
		dst.Properties = props
	}
	dst.Source = types.UnionStrings(dst.Source, src.Source)
	if len(dst.Embedding) == 0 && len(src.Embedding) > 0 {
		dst.Embedding = append([]float32(nil), src.Embedding...)
	}
	dst.LastUpdated = g.now()
	g.indexLabelLocked(dst)

	var moved []*types.ConceptRelation
	for _, rid := range append(append([]string(nil), g.outRels[srcID]...), g.inRels[srcID]...) {
		r := g.relations[rid]
		if r == nil {
			continue
		}
		g.removeRelationLocked(r)
		c := r.Clone()
		if c.SourceID == srcID {
			c.SourceID = dstID
		}
		if c.TargetID == srcID {
			c.TargetID = dstID
		}
		if c.SourceID == c.TargetID {
			continue
		}
		if c.Confidence < mergedRelationConfidence {
			c.Confidence = mergedRelationConfidence
		}
		moved = append(moved, c)
	}
	for _, c := range moved {
		g.addRelationLocked(c)
	}

	g.unindexLabelLocked(src)
	delete(g.nodes, srcID)
	delete(g.outRels, srcID)
	delete(g.inRels, srcID)

	g.logger.Debug("concepts merged",
		zap.String("from", srcID),
		zap.String("into", dstID),
		zap.Int("relations_moved", len(moved)))
	return dst.Clone(), nil
}

// DeleteNode 删除节点及其所有关系。
func (g *ConceptGraph) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return types.NewNotFoundError("concept", id)
	}
	for _, rid := range append(append([]string(nil), g.outRels[id]...), g.inRels[id]...) {
		if r := g.relations[rid]; r != nil {
			g.removeRelationLocked(r)
		}
	}
	g.unindexLabelLocked(n)
	delete(g.nodes, id)
	delete(g.outRels, id)
	delete(g.inRels, id)
	return nil
}

// DeleteRelation 删除关系。
func (g *ConceptGraph) DeleteRelation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.relations[id]
	if !ok {
		return types.NewNotFoundError("relation", id)
	}
	g.removeRelationLocked(r)
	return nil
}

// Nodes 返回所有节点，按 ID 排序。
func (g *ConceptGraph) Nodes() []*types.ConceptNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.ConceptNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Relations 返回所有关系，按 ID 排序。
func (g *ConceptGraph) Relations() []*types.ConceptRelation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.ConceptRelation, 0, len(g.relations))
	for _, r := range g.relations {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Degree 返回节点的关系数。
func (g *ConceptGraph) Degree(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.outRels[id]) + len(g.inRels[id])
}

// Stats 返回统计信息。
func (g *ConceptGraph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := GraphStats{
		Nodes:         len(g.nodes),
		Relations:     len(g.relations),
		RelationTypes: make(map[types.RelationType]int),
	}
	for _, r := range g.relations {
		stats.RelationTypes[r.Type]++
	}
	return stats
}

func (g *ConceptGraph) removeRelationLocked(r *types.ConceptRelation) {
	delete(g.relations, r.ID)
	g.outRels[r.SourceID] = removeID(g.outRels[r.SourceID], r.ID)
	g.inRels[r.TargetID] = removeID(g.inRels[r.TargetID], r.ID)
}

func (g *ConceptGraph) indexLabelLocked(n *types.ConceptNode) {
	key := normalizeLabel(n.Label)
	g.labels[key] = append(g.labels[key], n.ID)
}

func (g *ConceptGraph) unindexLabelLocked(n *types.ConceptNode) {
	key := normalizeLabel(n.Label)
	g.labels[key] = removeID(g.labels[key], n.ID)
	if len(g.labels[key]) == 0 {
		delete(g.labels, key)
	}
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
