package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentmemory/types"
)

// Builder assembles a query from clauses joined by AND (NewBuilder) or OR (AnyOf).
type Builder struct {
	or    bool
	nodes []Node
}

// NewBuilder returns a builder whose clauses are conjoined.
func NewBuilder() *Builder { return &Builder{} }

// AnyOf returns a builder whose clauses are disjoined.
func AnyOf() *Builder { return &Builder{or: true} }

// Match adds field:value, or field:(v1 OR v2 ...) for several values.
func (b *Builder) Match(field string, values ...string) *Builder {
	if len(values) > 0 {
		b.nodes = append(b.nodes, &Match{Field: field, Values: append([]string(nil), values...)})
	}
	return b
}

// Compare adds field op value.
func (b *Builder) Compare(field, op, value string) *Builder {
	b.nodes = append(b.nodes, &Compare{Field: field, Op: op, Value: value})
	return b
}

// Since adds timestamp >= t.
func (b *Builder) Since(t time.Time) *Builder {
	return b.Compare(FieldTimestamp, ">=", FormatTime(t))
}

// Until adds timestamp <= t.
func (b *Builder) Until(t time.Time) *Builder {
	return b.Compare(FieldTimestamp, "<=", FormatTime(t))
}

// Text adds one term per whitespace separated word.
func (b *Builder) Text(text string) *Builder {
	for _, w := range strings.Fields(text) {
		b.nodes = append(b.nodes, &Term{Text: w})
	}
	return b
}

// Not adds the negation of sub.
func (b *Builder) Not(sub *Builder) *Builder {
	if n := sub.Node(); n != nil {
		b.nodes = append(b.nodes, &Not{Child: n})
	}
	return b
}

// Group adds sub as a single clause.
func (b *Builder) Group(sub *Builder) *Builder {
	if n := sub.Node(); n != nil {
		b.nodes = append(b.nodes, n)
	}
	return b
}

// Node returns the expression tree, or nil when no clause was added.
func (b *Builder) Node() Node {
	switch len(b.nodes) {
	case 0:
		return nil
	case 1:
		return b.nodes[0]
	}
	children := append([]Node(nil), b.nodes...)
	if b.or {
		return &Or{Children: children}
	}
	return &And{Children: children}
}

// String renders the query text.
func (b *Builder) String() string {
	n := b.Node()
	if n == nil {
		return ""
	}
	return n.String()
}

// FromFilter translates a filter into an equivalent query. Timestamps are
// rendered with millisecond precision.
func FromFilter(f types.Filter) *Builder {
	b := NewBuilder()
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		b.Match(FieldType, cats...)
	}
	b.Match(FieldID, f.IDs...)
	if tr := f.TimeRange; tr != nil {
		if !tr.Start.IsZero() {
			b.Since(tr.Start)
		}
		if !tr.End.IsZero() {
			b.Until(tr.End)
		}
	}
	if p := f.Priority; p != nil {
		if p.Min != nil {
			b.Compare(FieldPriority, ">=", formatFloat(*p.Min))
		}
		if p.Max != nil {
			b.Compare(FieldPriority, "<=", formatFloat(*p.Max))
		}
	}
	if f.MinAccessCount > 0 {
		b.Compare(FieldAccessCount, ">=", strconv.Itoa(f.MinAccessCount))
	}
	if f.ConsolidationStatus != "" {
		b.Match(FieldStatus, string(f.ConsolidationStatus))
	}
	if f.AssociatedWith != "" {
		b.Match(FieldAssociated, f.AssociatedWith)
	}
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Match(metadataPrefix+k, fmt.Sprint(f.Metadata[k]))
	}
	if f.Content != "" {
		b.Match(FieldContent, f.Content)
	}
	b.Text(f.Query)
	return b
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
