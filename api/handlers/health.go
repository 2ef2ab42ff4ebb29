package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// 健康状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck 就绪检查。实现 Critical() bool 且返回 false 的检查失败时
// 只把状态降级为 degraded，不影响就绪。
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type criticality interface {
	Critical() bool
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Tiers     []types.MemoryStats    `json:"tiers,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // pass, fail
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// BuildInfo 构建信息，由 cmd 通过 ldflags 注入
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthHandler 存活、就绪与版本端点
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration
	build   BuildInfo
	tiers   func() []types.MemoryStats
	now     func() time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthOption 配置 HealthHandler
type HealthOption func(*HealthHandler)

// WithCheckTimeout 设置单个检查的超时，默认 3s
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithBuildInfo 设置 /version 与探针返回的版本
func WithBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandler) { h.build = info }
}

// WithTierStats 让就绪响应附带各记忆层的容量统计
func WithTierStats(fn func() []types.MemoryStats) HealthOption {
	return func(h *HealthHandler) { h.tiers = fn }
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		logger:  logger.With(zap.String("handler", "health")),
		timeout: 3 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Register 挂载 /health、/healthz、/ready、/readyz 与 /version
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion)
}

// HandleHealth 存活探针，只说明进程在响应
// @Summary 存活探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务存活"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Version:   h.build.Version,
	})
}

// HandleReady 并发执行全部检查。关键检查失败返回 503，
// 非关键检查失败返回 200 且状态为 degraded。
// @Summary 就绪探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "已就绪或降级"
// @Failure 503 {object} HealthStatus "未就绪"
// @Router /readyz [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(r.Context(), check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Version:   h.build.Version,
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name()] = res
		if res.Status == "pass" {
			continue
		}
		if res.Critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	if h.tiers != nil {
		status.Tiers = h.tiers()
	}

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	critical := true
	if c, ok := check.(criticality); ok {
		critical = c.Critical()
	}
	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Critical: critical, Latency: latency.String()}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		h.logger.Warn("readiness check failed",
			zap.String("check", check.Name()),
			zap.Bool("critical", critical),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
	return res
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} BuildInfo "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.build)
}

// =============================================================================
// 🔧 检查实现
// =============================================================================

// FuncCheck 以函数实现的检查，用于存储后端 Ping 与记忆空间状态
type FuncCheck struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewCheck 创建关键检查
func NewCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, critical: true, fn: fn}
}

// NewOptionalCheck 创建非关键检查，失败只会降级
func NewOptionalCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, fn: fn}
}

func (c *FuncCheck) Name() string                    { return c.name }
func (c *FuncCheck) Critical() bool                  { return c.critical }
func (c *FuncCheck) Check(ctx context.Context) error { return c.fn(ctx) }
