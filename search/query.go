package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Node is a parsed query expression. String renders the canonical query text;
// parsing that text yields an equivalent tree.
type Node interface {
	String() string
}

// And matches when every child matches.
type And struct{ Children []Node }

// Or matches when any child matches.
type Or struct{ Children []Node }

// Not inverts its child.
type Not struct{ Child Node }

// Term is free text. A term with spaces is a phrase.
type Term struct{ Text string }

// Match is field:value or field:(v1 OR v2).
type Match struct {
	Field  string
	Values []string
}

// Compare is field op value on an ordered field.
type Compare struct {
	Field string
	Op    string
	Value string
}

func (n *And) String() string { return joinNodes(n.Children, " AND ", isOr) }

func (n *Or) String() string { return joinNodes(n.Children, " OR ", nil) }

func (n *Not) String() string {
	switch n.Child.(type) {
	case *And, *Or:
		return "NOT (" + n.Child.String() + ")"
	}
	return "NOT " + n.Child.String()
}

func (n *Term) String() string {
	if termNeedsQuote(n.Text) {
		return quote(n.Text)
	}
	return n.Text
}

func (n *Match) String() string {
	if len(n.Values) == 1 {
		return n.Field + ":" + renderValue(n.Values[0])
	}
	vals := make([]string, len(n.Values))
	for i, v := range n.Values {
		vals[i] = renderValue(v)
	}
	return n.Field + ":(" + strings.Join(vals, " OR ") + ")"
}

func (n *Compare) String() string {
	return n.Field + " " + n.Op + " " + renderValue(n.Value)
}

func isOr(n Node) bool {
	_, ok := n.(*Or)
	return ok
}

func joinNodes(children []Node, sep string, wrap func(Node) bool) string {
	parts := make([]string, len(children))
	for i, c := range children {
		s := c.String()
		if wrap != nil && wrap(c) {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}

// =============================================================================
// Fields
// =============================================================================

const (
	FieldType        = "type"
	FieldID          = "id"
	FieldTag         = "tag"
	FieldContent     = "content"
	FieldStatus      = "status"
	FieldAssociated  = "associated"
	FieldTimestamp   = "timestamp"
	FieldPriority    = "priority"
	FieldImportance  = "importance"
	FieldAccessCount = "access_count"

	metadataPrefix = "metadata."
)

// TimeLayout is the timestamp format the builder writes.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var matchFields = map[string]bool{
	FieldType: true, "category": true, FieldID: true, FieldTag: true,
	FieldContent: true, FieldStatus: true, FieldAssociated: true,
}

var orderedFields = map[string]bool{
	FieldTimestamp: true, FieldPriority: true, FieldImportance: true, FieldAccessCount: true,
}

func isMetadataField(f string) bool {
	return strings.HasPrefix(f, metadataPrefix) && len(f) > len(metadataPrefix)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// ParseTime accepts RFC 3339 timestamps and plain dates.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// =============================================================================
// Lexer
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokWord
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isOpChar(r rune) bool { return r == '>' || r == '<' || r == '=' }

func lex(input string) ([]token, error) {
	var toks []token
	rs := []rune(input)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '"':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(rs) {
				c := rs[i]
				if c == '\\' && i+1 < len(rs) {
					sb.WriteRune(rs[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case isOpChar(r):
			start := i
			for i < len(rs) && isOpChar(rs[i]) {
				i++
			}
			op := string(rs[start:i])
			switch op {
			case ">", ">=", "<", "<=", "=":
			default:
				return nil, fmt.Errorf("invalid operator %q at %d", op, start)
			}
			toks = append(toks, token{tokOp, op, start})
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && rs[i] != '(' && rs[i] != ')' && rs[i] != '"' {
				i++
			}
			toks = append(toks, token{tokWord, string(rs[start:i]), start})
		}
	}
	return append(toks, token{tokEOF, "", len(rs)}), nil
}

// =============================================================================
// Parser
// =============================================================================

// Parse parses a query string. An empty query yields a nil Node, which matches
// every document.
func Parse(input string) (Node, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, nil
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && t.text == kw
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for p.keyword("OR") {
		p.next()
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &Or{Children: flatten(children, isOr)}, nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for {
		t := p.peek()
		if t.kind == tokEOF || t.kind == tokRParen || p.keyword("OR") {
			break
		}
		if p.keyword("AND") {
			p.next()
		}
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &And{Children: flatten(children, func(n Node) bool { _, ok := n.(*And); return ok })}, nil
}

// flatten lifts children of the same operator into the parent.
func flatten(children []Node, same func(Node) bool) []Node {
	out := make([]Node, 0, len(children))
	for _, c := range children {
		if same(c) {
			switch n := c.(type) {
			case *And:
				out = append(out, n.Children...)
			case *Or:
				out = append(out, n.Children...)
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *parser) parseUnary() (Node, error) {
	if p.keyword("NOT") {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", c.pos)
		}
		return n, nil
	case tokString:
		return &Term{Text: t.text}, nil
	case tokWord:
		if t.text == "AND" || t.text == "OR" {
			return nil, fmt.Errorf("unexpected %s at %d", t.text, t.pos)
		}
		if p.peek().kind == tokOp {
			return p.parseCompare(t)
		}
		if i := strings.IndexByte(t.text, ':'); i > 0 && isIdent(t.text[:i]) {
			return p.parseMatch(t, t.text[:i], t.text[i+1:])
		}
		return &Term{Text: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of query")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) parseCompare(field token) (Node, error) {
	op := p.next()
	if !orderedFields[field.text] && !isMetadataField(field.text) {
		return nil, fmt.Errorf("field %q does not support %s", field.text, op.text)
	}
	v := p.next()
	if v.kind != tokWord && v.kind != tokString {
		return nil, fmt.Errorf("expected value after %s at %d", op.text, v.pos)
	}
	n := &Compare{Field: field.text, Op: op.text, Value: v.text}
	if err := checkCompare(n); err != nil {
		return nil, err
	}
	return n, nil
}

func checkCompare(n *Compare) error {
	switch n.Field {
	case FieldTimestamp:
		if _, err := ParseTime(n.Value); err != nil {
			return fmt.Errorf("invalid timestamp %q", n.Value)
		}
	case FieldPriority, FieldImportance, FieldAccessCount:
		if _, err := strconv.ParseFloat(n.Value, 64); err != nil {
			return fmt.Errorf("invalid number %q for %s", n.Value, n.Field)
		}
	}
	return nil
}

func (p *parser) parseMatch(t token, field, rest string) (Node, error) {
	if !matchFields[field] && !isMetadataField(field) {
		return nil, fmt.Errorf("unknown field %q at %d", field, t.pos)
	}
	if field == "category" {
		field = FieldType
	}
	if rest != "" {
		return &Match{Field: field, Values: []string{rest}}, nil
	}
	switch p.peek().kind {
	case tokString:
		return &Match{Field: field, Values: []string{p.next().text}}, nil
	case tokLParen:
		p.next()
		var values []string
		for {
			v := p.next()
			switch {
			case v.kind == tokRParen:
				if len(values) == 0 {
					return nil, fmt.Errorf("empty value list for %s", field)
				}
				return &Match{Field: field, Values: values}, nil
			case v.kind == tokWord && v.text == "OR":
			case v.kind == tokWord && (v.text == "AND" || v.text == "NOT"):
				return nil, fmt.Errorf("%s not allowed in value list at %d", v.text, v.pos)
			case v.kind == tokWord || v.kind == tokString:
				values = append(values, v.text)
			default:
				return nil, fmt.Errorf("unterminated value list for %s", field)
			}
		}
	default:
		return nil, fmt.Errorf("missing value for %s at %d", field, t.pos)
	}
}

// =============================================================================
// Rendering
// =============================================================================

func isKeyword(s string) bool { return s == "AND" || s == "OR" || s == "NOT" }

func valueNeedsQuote(s string) bool {
	if s == "" || isKeyword(s) {
		return true
	}
	for i, r := range s {
		if unicode.IsSpace(r) || r == '(' || r == ')' || r == '"' || r == '\\' || (i == 0 && isOpChar(r)) {
			return true
		}
	}
	return false
}

func termNeedsQuote(s string) bool {
	return valueNeedsQuote(s) || strings.ContainsRune(s, ':')
}

func renderValue(s string) string {
	if valueNeedsQuote(s) {
		return quote(s)
	}
	return s
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
