package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LLMConfig configures the LLM extractor.
type LLMConfig struct {
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	APIKey       string        `json:"api_key" yaml:"api_key"`
	Model        string        `json:"model" yaml:"model"`
	EndpointPath string        `json:"endpoint_path" yaml:"endpoint_path"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`

	// RequestsPerSecond 与 Burst 控制调用频率，<= 0 表示不限流
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`

	// MaxTextLength 超出部分截断
	MaxTextLength int `json:"max_text_length" yaml:"max_text_length"`

	// DefaultConfidence 用于未给出置信度的实体
	DefaultConfidence float64 `json:"default_confidence" yaml:"default_confidence"`
}

// DefaultLLMConfig returns defaults for an OpenAI compatible endpoint.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:           "https://api.openai.com",
		Model:             "gpt-4o-mini",
		EndpointPath:      "/v1/chat/completions",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             4,
		MaxTextLength:     8000,
		DefaultConfidence: 0.5,
	}
}

// Request is one extraction call.
type Request struct {
	Text string
	// PriorContext is earlier conversation text that helps resolve references.
	PriorContext []string
	// ReferenceTime anchors relative dates in the text.
	ReferenceTime time.Time
}

// Recorder receives one observation per extraction call.
type Recorder interface {
	RecordExtraction(extractor string, ok bool, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordExtraction(string, bool, time.Duration) {}

// LLMExtractor asks a chat completion model for entities and relationships.
type LLMExtractor struct {
	config   LLMConfig
	chat     *ChatClient
	limiter  *rate.Limiter
	recorder Recorder
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	lastErr error
}

var _ memory.Extractor = (*LLMExtractor)(nil)

// NewLLMExtractor creates the extractor. A nil client uses the hardened TLS client.
func NewLLMExtractor(config LLMConfig, client *http.Client, logger *zap.Logger) *LLMExtractor {
	defaults := DefaultLLMConfig()
	if config.EndpointPath == "" {
		config.EndpointPath = defaults.EndpointPath
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = defaults.MaxTextLength
	}
	if config.DefaultConfidence <= 0 || config.DefaultConfidence > 1 {
		config.DefaultConfidence = defaults.DefaultConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &LLMExtractor{
		config:   config,
		chat:     NewChatClient(config, client, logger.With(zap.String("component", "chat_client"))),
		limiter:  limiter,
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger.With(zap.String("component", "llm_extractor")),
	}
}

// SetRate changes the request rate. rps <= 0 removes the limit.
func (e *LLMExtractor) SetRate(rps float64, burst int) {
	if rps <= 0 {
		e.limiter.SetLimit(rate.Inf)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	e.limiter.SetBurst(burst)
	e.limiter.SetLimit(rate.Limit(rps))
}

// SetRecorder installs a metrics recorder.
func (e *LLMExtractor) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.recorder = r
}

// Extract implements memory.Extractor with the current time as reference.
func (e *LLMExtractor) Extract(ctx context.Context, text string) (*memory.Extraction, error) {
	return e.ExtractRequest(ctx, Request{Text: text, ReferenceTime: e.now()})
}

const systemPrompt = `You extract a knowledge graph from text.
Reply with one JSON object and nothing else:
{"entities":[{"id":"e1","name":"...","type":"...","summary":"...","confidence":0.0}],
 "relationships":[{"source_id":"e1","target_id":"e2","type":"IS_A","description":"...","valid_at":"","invalid_at":""}]}
Relationship types: IS_A, HAS_A, PART_OF, RELATED_TO, SIMILAR_TO, OPPOSITE_OF, CAUSES, PRECEDED_BY, FOLLOWED_BY, USED_FOR.
Use lowercase singular names. Omit anything you are unsure about.`

// ExtractRequest runs one extraction. Transport and status failures are
// CollaboratorErrors; partial or malformed entries in the reply are skipped.
func (e *LLMExtractor) ExtractRequest(ctx context.Context, req Request) (*memory.Extraction, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return &memory.Extraction{}, nil
	}
	if r := []rune(text); len(r) > e.config.MaxTextLength {
		text = string(r[:e.config.MaxTextLength])
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, types.NewCollaboratorError("extractor", "rate limit wait", err)
	}

	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt(text, req)},
	}

	start := time.Now()
	content, err := e.chat.Completion(ctx, messages)
	e.recorder.RecordExtraction("llm", err == nil, time.Since(start))
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if content == "" {
		return &memory.Extraction{}, nil
	}

	out, skipped := ParseResponse(content, e.config.DefaultConfidence)
	e.logger.Debug("extraction completed",
		zap.Int("entities", len(out.Entities)),
		zap.Int("relations", len(out.Relations)),
		zap.Int("skipped", skipped),
		zap.Duration("latency", time.Since(start)))
	return out, nil
}

// Healthy returns the error of the most recent model call, nil when it
// succeeded or no call was made yet.
func (e *LLMExtractor) Healthy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr != nil {
		return fmt.Errorf("last extraction failed: %w", e.lastErr)
	}
	return nil
}

func userPrompt(text string, req Request) string {
	var sb strings.Builder
	if !req.ReferenceTime.IsZero() {
		sb.WriteString("Reference time: ")
		sb.WriteString(req.ReferenceTime.UTC().Format(time.RFC3339))
		sb.WriteString("\n")
	}
	if len(req.PriorContext) > 0 {
		sb.WriteString("Earlier context:\n")
		for _, c := range req.PriorContext {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Text:\n")
	sb.WriteString(text)
	return sb.String()
}

// =============================================================================
// 宽松解析
// =============================================================================

type wireEntity struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Mention    string   `json:"mention"`
	Label      string   `json:"label"`
	Type       string   `json:"type"`
	Summary    string   `json:"summary"`
	Confidence *float64 `json:"confidence"`
}

type wireRelation struct {
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	ValidAt     string   `json:"valid_at"`
	InvalidAt   string   `json:"invalid_at"`
	Confidence  *float64 `json:"confidence"`
}

type wireExtraction struct {
	Entities      []json.RawMessage `json:"entities"`
	Relationships []json.RawMessage `json:"relationships"`
	Relations     []json.RawMessage `json:"relations"`
}

// extractJSON 取第一个 { 到最后一个 } 之间的内容
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ParseResponse reads a model reply into an extraction. It never fails: text
// without a JSON object yields an empty result, and entries that cannot be
// decoded or resolved are counted in skipped.
func ParseResponse(content string, defaultConfidence float64) (out *memory.Extraction, skipped int) {
	out = &memory.Extraction{}
	raw := extractJSON(content)
	if raw == "" {
		return out, 0
	}
	var wire wireExtraction
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return out, 1
	}

	names := make(map[string]string)
	seen := make(map[string]bool)
	for _, item := range wire.Entities {
		var we wireEntity
		if err := json.Unmarshal(item, &we); err != nil {
			skipped++
			continue
		}
		name := firstNonEmpty(we.Name, we.Mention, we.Label)
		name = strings.TrimSpace(name)
		if name == "" {
			skipped++
			continue
		}
		if we.ID != "" {
			names[we.ID] = name
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		ent := memory.ExtractedEntity{
			Label:      name,
			Type:       strings.TrimSpace(strings.ToLower(we.Type)),
			Confidence: confidence(we.Confidence, defaultConfidence),
		}
		if ent.Type == "" {
			ent.Type = ConceptType
		}
		if we.Summary != "" {
			ent.Properties = map[string]any{"summary": we.Summary}
		}
		out.Entities = append(out.Entities, ent)
	}

	for _, item := range append(wire.Relationships, wire.Relations...) {
		var wr wireRelation
		if err := json.Unmarshal(item, &wr); err != nil {
			skipped++
			continue
		}
		src := resolve(names, wr.SourceID, wr.Source)
		dst := resolve(names, wr.TargetID, wr.Target)
		if src == "" || dst == "" {
			skipped++
			continue
		}
		out.Relations = append(out.Relations, memory.ExtractedRelation{
			Source:     src,
			Target:     dst,
			Type:       normalizeRelationType(wr.Type),
			Confidence: confidence(wr.Confidence, defaultConfidence),
		})
	}
	return out, skipped
}

func resolve(names map[string]string, id, label string) string {
	if n, ok := names[id]; ok {
		return n
	}
	if label != "" {
		if n, ok := names[label]; ok {
			return n
		}
		return strings.TrimSpace(label)
	}
	return ""
}

// normalizeRelationType maps free-form types onto the known set; anything else
// becomes RELATED_TO.
func normalizeRelationType(s string) types.RelationType {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	rt := types.RelationType(s)
	if rt.Valid() {
		return rt
	}
	return types.RelationRelatedTo
}

func confidence(v *float64, def float64) float64 {
	if v == nil || *v <= 0 {
		return def
	}
	if *v > 1 {
		return 1
	}
	return *v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Fallback
// =============================================================================

// Fallback tries primary and uses secondary when primary fails or finds nothing.
type Fallback struct {
	Primary   memory.Extractor
	Secondary memory.Extractor
	Logger    *zap.Logger
}

var _ memory.Extractor = (*Fallback)(nil)

func (f *Fallback) Extract(ctx context.Context, text string) (*memory.Extraction, error) {
	out, err := f.Primary.Extract(ctx, text)
	if err == nil && out != nil && len(out.Entities) > 0 {
		return out, nil
	}
	if err != nil && f.Logger != nil {
		f.Logger.Warn("primary extractor failed, using fallback", zap.Error(err))
	}
	if f.Secondary == nil {
		return out, err
	}
	return f.Secondary.Extract(ctx, text)
}
