package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatServer(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		if status != http.StatusOK {
			http.Error(w, "upstream exploded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) LLMConfig {
	cfg := DefaultLLMConfig()
	cfg.BaseURL = url
	cfg.APIKey = "sk-test"
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestLLMExtractor_Extract(t *testing.T) {
	reply := "Sure! ```json\n" + `{
		"entities": [
			{"id": "e1", "name": "cat", "type": "Animal", "confidence": 0.9},
			{"id": "e2", "mention": "mammal", "type": "class", "summary": "warm blooded"},
			{"id": "e3", "type": "ghost"},
			"garbage"
		],
		"relationships": [
			{"source_id": "e1", "target_id": "e2", "type": "is a", "valid_at": "2024-01-01"},
			{"source_id": "e1", "target_id": "e9", "type": "HAS_A"},
			{"source_id": "e2", "target_id": "e1", "type": "loves"}
		]
	}` + "\n```"
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, reply, &seen)

	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), zap.NewNop())
	ex.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	out, err := ex.Extract(context.Background(), "cats are mammals")
	require.NoError(t, err)

	require.Len(t, out.Entities, 2)
	assert.Equal(t, memory.ExtractedEntity{Label: "cat", Type: "animal", Confidence: 0.9}, out.Entities[0])
	assert.Equal(t, "mammal", out.Entities[1].Label)
	assert.Equal(t, 0.5, out.Entities[1].Confidence)
	assert.Equal(t, "warm blooded", out.Entities[1].Properties["summary"])

	require.Len(t, out.Relations, 2, "relation to an unknown entity id is skipped")
	assert.Equal(t, memory.ExtractedRelation{Source: "cat", Target: "mammal", Type: types.RelationIsA, Confidence: 0.5}, out.Relations[0])
	assert.Equal(t, "mammal", out.Relations[1].Source)
	assert.Equal(t, types.RelationRelatedTo, out.Relations[1].Type)

	require.Len(t, seen.Messages, 2)
	assert.Contains(t, seen.Messages[1].Content, "Reference time: 2024-05-01T00:00:00Z")
	assert.Contains(t, seen.Messages[1].Content, "cats are mammals")
}

func TestLLMExtractor_PriorContext(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, `{"entities": []}`, &seen)
	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), nil)

	out, err := ex.ExtractRequest(context.Background(), Request{Text: "she adopted it", PriorContext: []string{"Mia found a kitten"}})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
	assert.Contains(t, seen.Messages[1].Content, "- Mia found a kitten")
	assert.NotContains(t, seen.Messages[1].Content, "Reference time")
}

func TestLLMExtractor_UpstreamErrorIsCollaboratorError(t *testing.T) {
	srv := chatServer(t, http.StatusBadGateway, "", nil)
	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), nil)

	_, err := ex.Extract(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, types.IsCollaborator(err))
	assert.Contains(t, err.Error(), "status 502")
}

func TestLLMExtractor_EmptyTextSkipsCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()
	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), nil)

	out, err := ex.Extract(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
	assert.Zero(t, calls.Load())
}

func TestLLMExtractor_RateLimitHonoursContext(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{}`, nil)
	cfg := testConfig(srv.URL)
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	ex := NewLLMExtractor(cfg, srv.Client(), nil)

	_, err := ex.Extract(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ex.Extract(ctx, "second")
	require.Error(t, err)
	assert.True(t, types.IsCollaborator(err))
}

func TestLLMExtractor_FailureDegradesInSemanticMemory(t *testing.T) {
	srv := chatServer(t, http.StatusInternalServerError, "", nil)
	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), nil)
	sm := memory.NewSemanticMemory(memory.SemanticConfig{}, nil, ex, nil)

	unit, res, err := sm.Store(context.Background(), "a cat is an animal", types.Metadata{})
	require.NoError(t, err)
	assert.NotNil(t, unit)
	assert.Empty(t, res.Concepts)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		entities int
		skipped  int
	}{
		{"no json", "I could not find anything.", 0, 0},
		{"broken json", "{entities: [}", 0, 1},
		{"empty arrays", `{"entities": [], "relationships": []}`, 0, 0},
		{"relations key", `{"entities": [{"name": "a"}, {"name": "b"}], "relations": [{"source": "a", "target": "b", "type": "CAUSES"}]}`, 2, 0},
		{"duplicate names", `{"entities": [{"name": "Cat"}, {"name": "cat"}]}`, 1, 0},
		{"relation without endpoints", `{"entities": [{"name": "a"}], "relationships": [{"type": "IS_A"}]}`, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, skipped := ParseResponse(tt.content, 0.5)
			require.NotNil(t, out)
			assert.Len(t, out.Entities, tt.entities)
			assert.Equal(t, tt.skipped, skipped)
		})
	}

	out, _ := ParseResponse(`{"entities": [{"name": "x", "confidence": 7}]}`, 0.5)
	assert.Equal(t, 1.0, out.Entities[0].Confidence)
}

type stubExtractor struct {
	out *memory.Extraction
	err error
}

func (s stubExtractor) Extract(context.Context, string) (*memory.Extraction, error) { return s.out, s.err }

func TestFallback(t *testing.T) {
	ctx := context.Background()
	primary := &memory.Extraction{Entities: []memory.ExtractedEntity{{Label: "llm"}}}

	f := &Fallback{Primary: stubExtractor{out: primary}, Secondary: NewHeuristicExtractor()}
	out, err := f.Extract(ctx, "A cat is an animal")
	require.NoError(t, err)
	assert.Equal(t, "llm", out.Entities[0].Label)

	f.Primary = stubExtractor{err: errors.New("down")}
	out, err = f.Extract(ctx, "A cat is an animal")
	require.NoError(t, err)
	assert.Len(t, out.Relations, 1)

	f.Primary = stubExtractor{out: &memory.Extraction{}}
	out, err = f.Extract(ctx, "A cat is an animal")
	require.NoError(t, err)
	assert.Len(t, out.Relations, 1, "empty primary result falls through")

	f.Secondary = nil
	f.Primary = stubExtractor{err: errors.New("down")}
	_, err = f.Extract(ctx, "x")
	assert.EqualError(t, err, "down")
}

type countingRecorder struct{ ok, failed int }

func (r *countingRecorder) RecordExtraction(_ string, ok bool, _ time.Duration) {
	if ok {
		r.ok++
	} else {
		r.failed++
	}
}

func TestLLMExtractor_Recorder(t *testing.T) {
	good := chatServer(t, http.StatusOK, `{"entities":[{"name":"x"}]}`, nil)
	bad := chatServer(t, http.StatusTooManyRequests, "", nil)
	rec := &countingRecorder{}

	ex := NewLLMExtractor(testConfig(good.URL), good.Client(), nil)
	ex.SetRecorder(rec)
	_, err := ex.Extract(context.Background(), "x")
	require.NoError(t, err)

	ex = NewLLMExtractor(testConfig(bad.URL), bad.Client(), nil)
	ex.SetRecorder(rec)
	_, err = ex.Extract(context.Background(), "x")
	require.Error(t, err)

	assert.Equal(t, 1, rec.ok)
	assert.Equal(t, 1, rec.failed)
}

func TestLLMExtractor_Healthy(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		if status.Load() == http.StatusOK {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
		}
	}))
	t.Cleanup(srv.Close)

	ex := NewLLMExtractor(testConfig(srv.URL), srv.Client(), nil)
	ctx := context.Background()
	assert.NoError(t, ex.Healthy(ctx), "no call yet")

	_, err := ex.Extract(ctx, "the user lives in Lisbon")
	require.Error(t, err)
	assert.ErrorContains(t, ex.Healthy(ctx), "last extraction failed")

	status.Store(http.StatusOK)
	_, err = ex.Extract(ctx, "the user lives in Lisbon")
	require.NoError(t, err)
	assert.NoError(t, ex.Healthy(ctx))
}
