package handlers

import (
	"fmt"
	"net/http"

	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// =============================================================================
// ⚙️ 配置管理 Handler
// =============================================================================

// ConfigHandler 查询与热重载配置
type ConfigHandler struct {
	reloader *config.Reloader
	logger   *zap.Logger
}

// ReloadResponse 热重载结果
type ReloadResponse struct {
	Changes         []config.Change `json:"changes"`
	RequiresRestart bool            `json:"requires_restart"`
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(reloader *config.Reloader, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{
		reloader: reloader,
		logger:   logger.With(zap.String("handler", "config")),
	}
}

// Register 注册配置路由。wrap 用于加认证，可为 nil。
func (h *ConfigHandler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("GET /api/v1/config", wrap(h.HandleGet))
	mux.HandleFunc("POST /api/v1/config/reload", wrap(h.HandleReload))
	mux.HandleFunc("GET /api/v1/config/history", wrap(h.HandleHistory))
}

// HandleGet 返回脱敏后的当前配置
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.reloader.Sanitized())
}

// HandleReload 立即从文件重新加载配置
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	changes, err := h.reloader.Reload()
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("config reload failed: %v", err)).
			WithCause(err).
			WithHTTPStatus(http.StatusUnprocessableEntity), h.logger)
		return
	}
	resp := ReloadResponse{Changes: nonNil(changes)}
	for _, c := range changes {
		if !c.Applied {
			resp.RequiresRestart = true
			break
		}
	}
	h.logger.Info("config reload requested",
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", resp.RequiresRestart))
	WriteSuccess(w, resp)
}

// HandleHistory 返回已应用的配置版本
func (h *ConfigHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.reloader.History())
}
