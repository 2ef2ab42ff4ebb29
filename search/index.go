package search

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// IndexConfig holds the BM25 parameters.
type IndexConfig struct {
	K1 float64 `json:"k1" yaml:"k1"` // 词频饱和参数 (1.2-2.0)
	B  float64 `json:"b" yaml:"b"`   // 文档长度归一化参数
}

// DefaultIndexConfig 返回默认 BM25 参数
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{K1: 1.5, B: 0.75}
}

type document struct {
	unit   *types.MemoryUnit
	text   string
	tf     map[string]int
	length int
}

// MemoryIndex is an in-process inverted index over memory units. Free text is
// ranked with BM25; field clauses filter.
type MemoryIndex struct {
	mu       sync.RWMutex
	config   IndexConfig
	docs     map[string]*document
	df       map[string]int
	totalLen int
	logger   *zap.Logger
}

var _ memory.Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index.
func NewMemoryIndex(config IndexConfig, logger *zap.Logger) *MemoryIndex {
	if config.K1 <= 0 {
		config.K1 = DefaultIndexConfig().K1
	}
	if config.B < 0 || config.B > 1 {
		config.B = DefaultIndexConfig().B
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		config: config,
		docs:   make(map[string]*document),
		df:     make(map[string]int),
		logger: logger.With(zap.String("component", "memory_index")),
	}
}

// tokenize 转小写并按非字母数字字符切分
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Index adds or replaces unit.
func (ix *MemoryIndex) Index(_ context.Context, unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	u := unit.Clone()
	text := u.Text()
	terms := tokenize(text)
	for _, tag := range u.Metadata.Tags {
		terms = append(terms, tokenize(tag)...)
	}
	doc := &document{
		unit:   u,
		text:   strings.ToLower(text),
		tf:     make(map[string]int, len(terms)),
		length: len(terms),
	}
	for _, t := range terms {
		doc.tf[t]++
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(u.ID)
	ix.docs[u.ID] = doc
	ix.totalLen += doc.length
	for t := range doc.tf {
		ix.df[t]++
	}
	return nil
}

// Update is Index.
func (ix *MemoryIndex) Update(ctx context.Context, unit *types.MemoryUnit) error {
	return ix.Index(ctx, unit)
}

// Remove drops id. Unknown ids are ignored.
func (ix *MemoryIndex) Remove(_ context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
	return nil
}

func (ix *MemoryIndex) removeLocked(id string) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	delete(ix.docs, id)
	ix.totalLen -= doc.length
	for t := range doc.tf {
		if ix.df[t] <= 1 {
			delete(ix.df, t)
		} else {
			ix.df[t]--
		}
	}
}

// Len returns the number of indexed units.
func (ix *MemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

type scored struct {
	doc   *document
	score float64
}

// Search evaluates query and returns the best hits first. A limit of zero or
// less returns every hit. Malformed queries are validation errors.
func (ix *MemoryIndex) Search(ctx context.Context, query string, limit int) ([]memory.SearchHit, error) {
	results, err := ix.search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]memory.SearchHit, len(results))
	for i, r := range results {
		hits[i] = memory.SearchHit{ID: r.doc.unit.ID, Score: r.score}
	}
	return hits, nil
}

// SearchUnits is Search returning copies of the matching units.
func (ix *MemoryIndex) SearchUnits(ctx context.Context, query string, limit int) ([]*types.MemoryUnit, error) {
	results, err := ix.search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	units := make([]*types.MemoryUnit, len(results))
	for i, r := range results {
		units[i] = r.doc.unit.Clone()
	}
	return units, nil
}

// SearchFilter runs the query equivalent of f.
func (ix *MemoryIndex) SearchFilter(ctx context.Context, f types.Filter) ([]memory.SearchHit, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return ix.Search(ctx, FromFilter(f).String(), f.Limit)
}

func (ix *MemoryIndex) search(ctx context.Context, query string, limit int) ([]scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, err := Parse(query)
	if err != nil {
		return nil, types.NewValidationError("invalid query: %v", err)
	}
	var terms []string
	collectTerms(node, &terms)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []scored
	for _, doc := range ix.docs {
		if !evaluate(node, doc) {
			continue
		}
		out = append(out, scored{doc: doc, score: ix.bm25(doc, terms)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		ti, tj := out[i].doc.unit.Timestamp, out[j].doc.unit.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].doc.unit.ID < out[j].doc.unit.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	ix.logger.Debug("search completed", zap.String("query", query), zap.Int("hits", len(out)))
	return out, nil
}

// collectTerms gathers the tokens of free-text terms outside NOT.
func collectTerms(n Node, out *[]string) {
	switch n := n.(type) {
	case *And:
		for _, c := range n.Children {
			collectTerms(c, out)
		}
	case *Or:
		for _, c := range n.Children {
			collectTerms(c, out)
		}
	case *Term:
		*out = append(*out, tokenize(n.Text)...)
	}
}

func (ix *MemoryIndex) bm25(doc *document, terms []string) float64 {
	if len(terms) == 0 || len(ix.docs) == 0 {
		return 0
	}
	n := float64(len(ix.docs))
	avg := float64(ix.totalLen) / n
	if avg == 0 {
		return 0
	}
	k1, b := ix.config.K1, ix.config.B
	score := 0.0
	for _, t := range terms {
		tf, ok := doc.tf[t]
		if !ok {
			continue
		}
		df := float64(ix.df[t])
		idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
		num := float64(tf) * (k1 + 1.0)
		den := float64(tf) + k1*(1.0-b+b*(float64(doc.length)/avg))
		score += idf * (num / den)
	}
	return score
}

// =============================================================================
// Evaluation
// =============================================================================

func evaluate(n Node, d *document) bool {
	switch n := n.(type) {
	case nil:
		return true
	case *And:
		for _, c := range n.Children {
			if !evaluate(c, d) {
				return false
			}
		}
		return true
	case *Or:
		for _, c := range n.Children {
			if evaluate(c, d) {
				return true
			}
		}
		return false
	case *Not:
		return !evaluate(n.Child, d)
	case *Term:
		return termMatches(d, n.Text)
	case *Match:
		for _, v := range n.Values {
			if matchValue(d, n.Field, v) {
				return true
			}
		}
		return false
	case *Compare:
		return compare(d, n)
	}
	return false
}

func termMatches(d *document, text string) bool {
	if strings.Contains(d.text, strings.ToLower(text)) {
		return true
	}
	for _, tag := range d.unit.Metadata.Tags {
		if strings.EqualFold(tag, text) {
			return true
		}
	}
	return false
}

func matchValue(d *document, field, v string) bool {
	u := d.unit
	switch field {
	case FieldType:
		return strings.EqualFold(string(u.Category), v)
	case FieldID:
		return u.ID == v
	case FieldTag:
		for _, tag := range u.Metadata.Tags {
			if strings.EqualFold(tag, v) {
				return true
			}
		}
		return false
	case FieldContent:
		return strings.Contains(d.text, strings.ToLower(v))
	case FieldStatus:
		return types.Filter{ConsolidationStatus: types.ConsolidationStatus(v)}.Matches(u)
	case FieldAssociated:
		return types.Filter{AssociatedWith: v}.Matches(u)
	}
	if isMetadataField(field) {
		key := strings.TrimPrefix(field, metadataPrefix)
		return types.Filter{Metadata: map[string]any{key: v}}.Matches(u)
	}
	return false
}

func compare(d *document, n *Compare) bool {
	u := d.unit
	if n.Field == FieldTimestamp {
		want, err := ParseTime(n.Value)
		if err != nil {
			return false
		}
		return holds(n.Op, u.Timestamp.Compare(want))
	}

	want, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return false
	}
	var got float64
	switch n.Field {
	case FieldPriority:
		got = u.Priority
	case FieldImportance:
		got = u.Metadata.Importance
	case FieldAccessCount:
		got = float64(u.AccessCount)
	default:
		v, ok := u.Metadata.Get(strings.TrimPrefix(n.Field, metadataPrefix))
		if !ok {
			return false
		}
		if got, ok = toFloat(v); !ok {
			return false
		}
	}
	switch {
	case got < want:
		return holds(n.Op, -1)
	case got > want:
		return holds(n.Op, 1)
	}
	return holds(n.Op, 0)
}

func holds(op string, cmp int) bool {
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "=":
		return cmp == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
