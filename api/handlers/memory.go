package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentmemory"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	eventBuffer      = 64
	eventWriteWait   = 5 * time.Second
)

// =============================================================================
// 🧠 记忆 Handler
// =============================================================================

// MemoryHandler 把 MemorySpace 暴露为 HTTP API
type MemoryHandler struct {
	space          *agentmemory.MemorySpace
	logger         *zap.Logger
	originPatterns []string
}

// MemoryHandlerOption 配置 MemoryHandler
type MemoryHandlerOption func(*MemoryHandler)

// WithOriginPatterns 允许跨域 websocket 连接的来源
func WithOriginPatterns(patterns ...string) MemoryHandlerOption {
	return func(h *MemoryHandler) { h.originPatterns = patterns }
}

// NewMemoryHandler 创建记忆处理器
func NewMemoryHandler(space *agentmemory.MemorySpace, logger *zap.Logger, opts ...MemoryHandlerOption) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &MemoryHandler{
		space:  space,
		logger: logger.With(zap.String("handler", "memory")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册全部记忆路由
func (h *MemoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/memory/cleanup", h.HandleCleanup)
	mux.HandleFunc("GET /api/v1/memory/search", h.HandleSearch)
	mux.HandleFunc("POST /api/v1/memory/{tier}", h.HandleStore)
	mux.HandleFunc("GET /api/v1/memory/{tier}", h.HandleList)
	mux.HandleFunc("GET /api/v1/memory/{tier}/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/memory/{tier}/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/memory/{tier}/{id}/promote", h.HandlePromote)
	mux.HandleFunc("GET /api/v1/stats", h.HandleStats)
	mux.HandleFunc("POST /api/v1/turns/{role}", h.HandleTurn)
	mux.HandleFunc("POST /api/v1/signals", h.HandleSignal)
	mux.HandleFunc("GET /api/v1/monitors", h.HandleMonitors)
	mux.HandleFunc("GET /api/v1/graph/path", h.HandleGraphPath)
	mux.HandleFunc("GET /api/v1/events", h.HandleEvents)
}

// StoreRequest 写入请求。episodic 层可携带完整情景，缺省时以 content 为摘要。
type StoreRequest struct {
	Content  string                 `json:"content"`
	Metadata types.Metadata         `json:"metadata"`
	Episode  *types.EpisodicContent `json:"episode,omitempty"`
}

// StoreResponse 写入结果
type StoreResponse struct {
	Unit      *types.MemoryUnit      `json:"unit"`
	Semantic  *memory.SemanticResult `json:"semantic,omitempty"`
	Procedure *memory.Procedure      `json:"procedure,omitempty"`
}

// PromoteRequest 晋升请求
type PromoteRequest struct {
	Target types.MemoryCategory `json:"target"`
}

// SignalRequest 外部信号
type SignalRequest struct {
	Type    transition.TriggerType `json:"type"`
	Role    types.Role             `json:"role,omitempty"`
	Value   float64                `json:"value,omitempty"`
	UnitID  string                 `json:"unit_id,omitempty"`
	Context string                 `json:"context,omitempty"`
	Payload map[string]any         `json:"payload,omitempty"`
}

// SignalResponse 被触发的监视器
type SignalResponse struct {
	Fired []string                 `json:"fired"`
	Turns *transition.TurnCounters `json:"turns,omitempty"`
}

// GraphPathResponse 概念路径
type GraphPathResponse struct {
	From      string                  `json:"from"`
	To        string                  `json:"to"`
	Found     bool                    `json:"found"`
	Relations []types.ConceptRelation `json:"relations"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleStore 处理 POST /api/v1/memory/{tier}
func (h *MemoryHandler) HandleStore(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.tier(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req StoreRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ctx := r.Context()

	var (
		resp StoreResponse
		err  error
	)
	switch tier {
	case types.MemoryWorking:
		resp.Unit, err = h.space.Remember(ctx, req.Content, req.Metadata)
	case types.MemoryEpisodic:
		episode := req.Episode
		if episode == nil {
			if strings.TrimSpace(req.Content) == "" {
				WriteErr(w, types.NewValidationError("content or episode is required"), h.logger)
				return
			}
			episode = &types.EpisodicContent{Summary: req.Content}
		}
		resp.Unit, err = h.space.Episodic().Store(ctx, episode, req.Metadata)
	case types.MemorySemantic:
		resp.Unit, resp.Semantic, err = h.space.Semantic().Store(ctx, req.Content, req.Metadata)
	case types.MemoryProcedural:
		resp.Unit, resp.Procedure, err = h.storeProcedure(ctx, req)
	}
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteCreated(w, r, resp)
}

func (h *MemoryHandler) storeProcedure(ctx context.Context, req StoreRequest) (*types.MemoryUnit, *memory.Procedure, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, nil, types.NewValidationError("procedure content must not be empty")
	}
	unit := &types.MemoryUnit{
		ID:        uuid.NewString(),
		Category:  types.MemoryProcedural,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Timestamp: time.Now(),
		Priority:  types.DefaultPriority,
	}
	procedural := h.space.Procedural()
	if err := procedural.Accept(ctx, unit); err != nil {
		return nil, nil, err
	}
	proc, err := procedural.Get(ctx, unit.ID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := procedural.Unit(ctx, unit.ID)
	if err != nil {
		return nil, nil, err
	}
	return stored, proc, nil
}

// HandleList 处理 GET /api/v1/memory/{tier}?q=&tag=&limit=
func (h *MemoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.tier(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	if tier == types.MemoryProcedural {
		var procs []*memory.Procedure
		if cue := q.Get("q"); cue != "" {
			procs = h.space.Procedural().FindByTrigger(cue)
		} else {
			procs = h.space.Procedural().List()
		}
		if len(procs) > limit {
			procs = procs[:limit]
		}
		WriteSuccess(w, procs)
		return
	}

	filter := types.Filter{Query: q.Get("q"), Limit: limit}
	if tags := q["tag"]; len(tags) > 0 {
		// 仅支持一个 tag
		filter.Metadata = map[string]any{"tag": tags[0]}
	}

	ctx := r.Context()
	var units []*types.MemoryUnit
	switch tier {
	case types.MemoryWorking:
		units, err = h.space.Working().Retrieve(ctx, filter)
	case types.MemoryEpisodic:
		units, err = h.space.Episodic().Retrieve(ctx, filter)
	case types.MemorySemantic:
		units, err = h.space.Semantic().RetrieveUnits(ctx, filter)
	}
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	if units == nil {
		units = []*types.MemoryUnit{}
	}
	WriteSuccess(w, units)
}

// HandleGet 处理 GET /api/v1/memory/{tier}/{id}
func (h *MemoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.tier(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	var (
		data any
		err  error
	)
	switch tier {
	case types.MemoryWorking:
		data, err = h.space.Working().Get(ctx, id)
	case types.MemoryEpisodic:
		data, err = h.space.Episodic().Get(ctx, id)
	case types.MemorySemantic:
		data, err = h.space.Semantic().Get(ctx, id)
	case types.MemoryProcedural:
		data, err = h.space.Procedural().Get(ctx, id)
	}
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, data)
}

// HandleDelete 处理 DELETE /api/v1/memory/{tier}/{id}
func (h *MemoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.tier(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	var err error
	switch tier {
	case types.MemoryWorking:
		err = h.space.Working().Delete(ctx, id)
	case types.MemoryEpisodic:
		err = h.space.Episodic().Delete(ctx, id)
	case types.MemorySemantic:
		err = h.space.Semantic().Delete(ctx, id)
	case types.MemoryProcedural:
		err = h.space.Procedural().Delete(ctx, id)
	}
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePromote 处理 POST /api/v1/memory/working/{id}/promote
func (h *MemoryHandler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.tier(w, r)
	if !ok {
		return
	}
	if tier != types.MemoryWorking {
		WriteErr(w, types.NewValidationError("only working memory units can be promoted"), h.logger)
		return
	}
	var req PromoteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	id := r.PathValue("id")
	if err := h.space.Promote(r.Context(), id, req.Target); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	unit, err := h.space.Lookup(r.Context(), id)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, unit)
}

// HandleCleanup 处理 POST /api/v1/memory/cleanup
func (h *MemoryHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.space.Cleanup(r.Context())
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("manual cleanup",
		zap.Int("working", report.Working),
		zap.Int("episodic", report.Episodic),
		zap.Int("semantic", report.Semantic))
	WriteSuccess(w, report)
}

// HandleSearch 处理 GET /api/v1/memory/search?q=&limit=
func (h *MemoryHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		WriteErr(w, types.NewValidationError("query parameter q is required"), h.logger)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	units, err := h.space.Search(r.Context(), query, limit)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, units)
}

// HandleStats 处理 GET /api/v1/stats
func (h *MemoryHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.space.Stats())
}

// HandleTurn 处理 POST /api/v1/turns/{role}
func (h *MemoryHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var fired []string
	switch types.Role(r.PathValue("role")) {
	case types.RoleUser:
		fired = h.space.Transitions().OnUserTurnEnd(r.Context())
	case types.RoleAssistant:
		fired = h.space.Transitions().OnAssistantTurnEnd(r.Context())
	default:
		WriteErr(w, types.NewValidationError("role must be user or assistant, got %q", r.PathValue("role")), h.logger)
		return
	}
	turns := h.space.Transitions().Turns()
	WriteSuccess(w, SignalResponse{Fired: nonNil(fired), Turns: &turns})
}

// HandleSignal 处理 POST /api/v1/signals
func (h *MemoryHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	switch req.Type {
	case transition.TriggerCapacityThreshold, transition.TriggerContextChange,
		transition.TriggerEmotionPeak, transition.TriggerGoalCompletion:
	case transition.TriggerUserTurnEnd, transition.TriggerAssistantTurnEnd, transition.TriggerTurnCount:
		WriteErr(w, types.NewValidationError("turn signals go through /api/v1/turns/{role}"), h.logger)
		return
	default:
		WriteErr(w, types.NewValidationError("unsupported signal type %q", req.Type), h.logger)
		return
	}
	if req.Role != "" && !req.Role.Valid() {
		WriteErr(w, types.NewValidationError("unknown role %q", req.Role), h.logger)
		return
	}
	if req.Value < 0 || req.Value > 1 {
		WriteErr(w, types.NewValidationError("signal value %v out of range 0..1", req.Value), h.logger)
		return
	}

	fired := h.space.Transitions().Signal(r.Context(), transition.Signal{
		Type:    req.Type,
		Role:    req.Role,
		Value:   req.Value,
		UnitID:  req.UnitID,
		Context: req.Context,
		Payload: req.Payload,
	})
	WriteSuccess(w, SignalResponse{Fired: nonNil(fired)})
}

// HandleMonitors 处理 GET /api/v1/monitors
func (h *MemoryHandler) HandleMonitors(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.space.Transitions().Monitors())
}

// HandleGraphPath 处理 GET /api/v1/graph/path?from=&to=
// from 和 to 可以是概念 ID 或标签。
func (h *MemoryHandler) HandleGraphPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		WriteErr(w, types.NewValidationError("from and to are required"), h.logger)
		return
	}
	graph := h.space.Semantic().Graph()
	ctx := r.Context()

	src, err := resolveConcept(ctx, graph, from)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	dst, err := resolveConcept(ctx, graph, to)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	path, err := graph.FindPath(ctx, src, dst)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, GraphPathResponse{
		From:      src,
		To:        dst,
		Found:     src == dst || len(path) > 0,
		Relations: nonNil(path),
	})
}

func resolveConcept(ctx context.Context, graph *memory.ConceptGraph, ref string) (string, error) {
	if _, err := graph.GetNode(ctx, ref); err == nil {
		return ref, nil
	} else if !types.IsNotFound(err) {
		return "", err
	}
	nodes := graph.FindNodesByLabel(ref)
	if len(nodes) == 0 {
		return "", types.NewNotFoundError("concept", ref)
	}
	return nodes[0].ID, nil
}

// HandleEvents 处理 GET /api/v1/events，以 websocket 推送迁移事件。
// ?type= 可重复，用于只接收指定类型。
func (h *MemoryHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	wanted := make(map[transition.EventType]bool)
	for _, t := range r.URL.Query()["type"] {
		wanted[transition.EventType(strings.ToUpper(t))] = true
	}

	// 先订阅再握手，握手完成后发生的事件都不会丢
	events, cancel := h.space.Transitions().Subscribe(eventBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端不发送数据；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", zap.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if len(wanted) > 0 && !wanted[ev.Type] {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev transition.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteWait)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *MemoryHandler) tier(w http.ResponseWriter, r *http.Request) (types.MemoryCategory, bool) {
	tier := types.MemoryCategory(strings.ToLower(r.PathValue("tier")))
	if !tier.Valid() {
		WriteErr(w, types.NewNotFoundError("memory tier", r.PathValue("tier")), h.logger)
		return "", false
	}
	return tier, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, types.NewValidationError("limit must be a positive integer, got %q", raw)
	}
	return min(n, maxListLimit), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
