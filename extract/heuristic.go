package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
)

const (
	heuristicConfidence = 0.6
	properNounConf      = 0.5

	// ConceptType is the entity type the heuristic extractor assigns to
	// relation endpoints.
	ConceptType = "concept"
	// NameType is assigned to capitalized names found mid-sentence.
	NameType = "name"
)

var (
	sentenceSplitRegex = regexp.MustCompile(`[.!?\n;]+`)
	properNounRegex    = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\b`)
	leadingArticle     = regexp.MustCompile(`(?i)^(?:a|an|the|some)\s+`)
)

type relationPattern struct {
	re  *regexp.Regexp
	typ types.RelationType
}

const phrase = `([A-Za-z][A-Za-z0-9\- ]{0,40}?)`

// Order matters: the more specific "is part of" must win over "is a".
var relationPatterns = []relationPattern{
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:is|are)\s+(?:a\s+)?part\s+of\s+` + phrase + `$`), types.RelationPartOf},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:is|are)\s+(?:the\s+)?opposite\s+of\s+` + phrase + `$`), types.RelationOppositeOf},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:is|are)\s+(?:similar\s+to|like)\s+` + phrase + `$`), types.RelationSimilarTo},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:is|are)\s+related\s+to\s+` + phrase + `$`), types.RelationRelatedTo},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:is|are)\s+used\s+(?:for|to)\s+` + phrase + `$`), types.RelationUsedFor},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:causes|cause|leads\s+to|lead\s+to)\s+` + phrase + `$`), types.RelationCauses},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:comes\s+)?before\s+` + phrase + `$`), types.RelationFollowedBy},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:comes\s+)?after\s+` + phrase + `$`), types.RelationPrecededBy},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+(?:has|have)\s+` + phrase + `$`), types.RelationHasA},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+is\s+(?:a|an|the)\s+(?:(?:kind|type)\s+of\s+)?` + phrase + `$`), types.RelationIsA},
	{regexp.MustCompile(`(?i)^` + phrase + `\s+are\s+(?:(?:kinds|types)\s+of\s+)?` + phrase + `$`), types.RelationIsA},
}

// HeuristicExtractor finds concepts with sentence patterns. It needs no network
// and never fails.
type HeuristicExtractor struct{}

var _ memory.Extractor = HeuristicExtractor{}

// NewHeuristicExtractor creates a heuristic extractor.
func NewHeuristicExtractor() HeuristicExtractor { return HeuristicExtractor{} }

func (HeuristicExtractor) Extract(ctx context.Context, text string) (*memory.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &memory.Extraction{}
	seen := make(map[string]bool)
	addEntity := func(label, typ string, conf float64) {
		key := strings.ToLower(label)
		if label == "" || seen[key] {
			return
		}
		seen[key] = true
		out.Entities = append(out.Entities, memory.ExtractedEntity{Label: label, Type: typ, Confidence: conf})
	}

	for _, sentence := range sentenceSplitRegex.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		for _, p := range relationPatterns {
			m := p.re.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			src, dst := normalizePhrase(m[1]), normalizePhrase(m[2])
			if src == "" || dst == "" || src == dst {
				break
			}
			addEntity(src, ConceptType, heuristicConfidence)
			addEntity(dst, ConceptType, heuristicConfidence)
			out.Relations = append(out.Relations, memory.ExtractedRelation{
				Source: src, Target: dst, Type: p.typ, Confidence: heuristicConfidence,
			})
			break
		}
		// Capitalized words after the first are treated as names.
		if i := strings.IndexByte(sentence, ' '); i > 0 {
			for _, m := range properNounRegex.FindAllString(sentence[i+1:], -1) {
				if !seen[strings.ToLower(m)] {
					addEntity(m, NameType, properNounConf)
				}
			}
		}
	}
	return out, nil
}

func normalizePhrase(s string) string {
	s = strings.TrimSpace(s)
	s = leadingArticle.ReplaceAllString(s, "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
