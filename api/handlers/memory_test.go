package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory"
	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/search"
	"github.com/BaSui01/agentmemory/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func newTestMemoryMux(t *testing.T) (*http.ServeMux, *agentmemory.MemorySpace) {
	t.Helper()
	space, err := agentmemory.New(config.DefaultMemoryConfig(),
		agentmemory.WithLogger(zap.NewNop()),
		agentmemory.WithIndex(search.NewMemoryIndex(search.DefaultIndexConfig(), nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close(context.Background()) })

	mux := http.NewServeMux()
	NewMemoryHandler(space, zap.NewNop()).Register(mux)
	return mux, space
}

func doJSON(t *testing.T, mux http.Handler, method, target string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decodeData 把 Response.Data 重新解码为具体类型
func decodeData(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

// =============================================================================
// 🧪 MemoryHandler 测试
// =============================================================================

func TestMemoryHandler_WorkingLifecycle(t *testing.T) {
	mux, _ := newTestMemoryMux(t)

	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/memory/working", StoreRequest{
		Content:  "user prefers green tea",
		Metadata: types.Metadata{Tags: []string{"preference"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var stored StoreResponse
	decodeData(t, resp, &stored)
	require.NotNil(t, stored.Unit)
	id := stored.Unit.ID
	assert.Equal(t, types.MemoryWorking, stored.Unit.Category)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/working/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got types.MemoryUnit
	decodeData(t, resp, &got)
	assert.Equal(t, "user prefers green tea", got.Text())

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/working?tag=preference&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []types.MemoryUnit
	decodeData(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/working?tag=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, resp, &listed)
	assert.Empty(t, listed)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/search?q=green+tea", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)

	w, _ = doJSON(t, mux, http.MethodDelete, "/api/v1/memory/working/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/working/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestMemoryHandler_StoreValidation(t *testing.T) {
	mux, _ := newTestMemoryMux(t)

	tests := []struct {
		name     string
		target   string
		body     any
		wantCode int
		wantErr  types.ErrorCode
	}{
		{"unknown tier", "/api/v1/memory/dream", StoreRequest{Content: "x"}, http.StatusNotFound, types.ErrNotFound},
		{"empty working content", "/api/v1/memory/working", StoreRequest{}, http.StatusBadRequest, types.ErrValidation},
		{"empty episode", "/api/v1/memory/episodic", StoreRequest{}, http.StatusBadRequest, types.ErrValidation},
		{"empty procedure", "/api/v1/memory/procedural", StoreRequest{Content: " "}, http.StatusBadRequest, types.ErrValidation},
		{"unknown field", "/api/v1/memory/working", map[string]any{"text": "x"}, http.StatusBadRequest, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doJSON(t, mux, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantErr), resp.Error.Code)
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/memory/working", strings.NewReader(`{"content":"x"}`))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestMemoryHandler_StoreOtherTiers(t *testing.T) {
	mux, space := newTestMemoryMux(t)

	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/memory/episodic", StoreRequest{
		Content: "met Ana at the station",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var episode StoreResponse
	decodeData(t, resp, &episode)
	assert.Equal(t, types.MemoryEpisodic, episode.Unit.Category)
	assert.Equal(t, 1, space.Episodic().Len())

	w, resp = doJSON(t, mux, http.MethodPost, "/api/v1/memory/procedural", StoreRequest{
		Content: "Reset router\n1. unplug\n2. wait ten seconds\n3. plug in",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var proc StoreResponse
	decodeData(t, resp, &proc)
	require.NotNil(t, proc.Procedure)
	assert.Equal(t, "Reset router", proc.Procedure.Name)
	assert.Len(t, proc.Procedure.Steps, 4)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/memory/procedural?q=router", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var procs []map[string]any
	decodeData(t, resp, &procs)
	require.Len(t, procs, 1)
	assert.Equal(t, proc.Unit.ID, procs[0]["id"])

	w, _ = doJSON(t, mux, http.MethodDelete, "/api/v1/memory/procedural/"+proc.Unit.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, space.Procedural().Len())
}

func TestMemoryHandler_Promote(t *testing.T) {
	mux, space := newTestMemoryMux(t)

	unit, err := space.Remember(context.Background(), "Make tea\n- boil water\n- steep", types.Metadata{})
	require.NoError(t, err)

	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/memory/working/"+unit.ID+"/promote",
		PromoteRequest{Target: types.MemoryProcedural})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var promoted types.MemoryUnit
	decodeData(t, resp, &promoted)
	assert.Equal(t, types.MemoryProcedural, promoted.Category)
	assert.True(t, promoted.Metadata.Promoted)

	w, _ = doJSON(t, mux, http.MethodPost, "/api/v1/memory/working/"+unit.ID+"/promote",
		PromoteRequest{Target: types.MemoryProcedural})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, mux, http.MethodPost, "/api/v1/memory/episodic/"+unit.ID+"/promote",
		PromoteRequest{Target: types.MemorySemantic})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemoryHandler_Cleanup(t *testing.T) {
	mux, _ := newTestMemoryMux(t)

	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/memory/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report agentmemory.CleanupReport
	decodeData(t, resp, &report)
	assert.Zero(t, report.Total())
}

func TestMemoryHandler_TurnsAndSignals(t *testing.T) {
	mux, _ := newTestMemoryMux(t)

	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/turns/user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var turn SignalResponse
	decodeData(t, resp, &turn)
	require.NotNil(t, turn.Turns)
	assert.Equal(t, 1, turn.Turns.User)
	assert.NotNil(t, turn.Fired)

	w, _ = doJSON(t, mux, http.MethodPost, "/api/v1/turns/robot", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = doJSON(t, mux, http.MethodPost, "/api/v1/signals", SignalRequest{Type: transition.TriggerGoalCompletion})
	require.Equal(t, http.StatusOK, w.Code)
	var sig SignalResponse
	decodeData(t, resp, &sig)
	assert.Equal(t, []string{transition.MonitorGoalCompletion}, sig.Fired)

	for _, bad := range []SignalRequest{
		{Type: "EARTHQUAKE"},
		{Type: transition.TriggerUserTurnEnd},
		{Type: transition.TriggerEmotionPeak, Value: 1.5},
	} {
		w, _ = doJSON(t, mux, http.MethodPost, "/api/v1/signals", bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad.Type)
	}

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/monitors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var monitors []transition.MonitorInfo
	decodeData(t, resp, &monitors)
	assert.Len(t, monitors, 4)
	for _, m := range monitors {
		if m.ID == transition.MonitorGoalCompletion {
			assert.EqualValues(t, 1, m.Fired)
		}
	}
}

func TestMemoryHandler_GraphPath(t *testing.T) {
	mux, space := newTestMemoryMux(t)
	ctx := context.Background()
	graph := space.Semantic().Graph()

	tea, err := graph.AddNode(ctx, &types.ConceptNode{Label: "tea", Type: "drink", Confidence: 0.9})
	require.NoError(t, err)
	leaf, err := graph.AddNode(ctx, &types.ConceptNode{Label: "leaf", Type: "plant", Confidence: 0.9})
	require.NoError(t, err)
	_, err = graph.AddNode(ctx, &types.ConceptNode{Label: "island", Type: "place", Confidence: 0.9})
	require.NoError(t, err)
	_, err = graph.AddRelation(ctx, &types.ConceptRelation{
		SourceID: tea.ID, TargetID: leaf.ID, Type: types.RelationHasA, Confidence: 0.8,
	})
	require.NoError(t, err)

	w, resp := doJSON(t, mux, http.MethodGet, "/api/v1/graph/path?from=tea&to="+leaf.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var path GraphPathResponse
	decodeData(t, resp, &path)
	assert.True(t, path.Found)
	require.Len(t, path.Relations, 1)
	assert.Equal(t, tea.ID, path.Relations[0].SourceID)

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/graph/path?from=tea&to=island", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, resp, &path)
	assert.False(t, path.Found)
	assert.Empty(t, path.Relations)

	w, _ = doJSON(t, mux, http.MethodGet, "/api/v1/graph/path?from=tea&to=moon", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, mux, http.MethodGet, "/api/v1/graph/path?from=tea", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemoryHandler_ListLimitValidation(t *testing.T) {
	mux, _ := newTestMemoryMux(t)
	for _, limit := range []string{"0", "-1", "many"} {
		w, _ := doJSON(t, mux, http.MethodGet, "/api/v1/memory/episodic?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestMemoryHandler_EventStream(t *testing.T) {
	mux, space := newTestMemoryMux(t)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?type=consolidation"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	space.Transitions().Signal(ctx, transition.Signal{Type: transition.TriggerGoalCompletion})

	var ev transition.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, transition.EventConsolidation, ev.Type)
	assert.Equal(t, string(transition.TriggerGoalCompletion), ev.Reason)
}
