package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/agentmemory"
	"github.com/BaSui01/agentmemory/api/handlers"
	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/extract"
	"github.com/BaSui01/agentmemory/internal/metrics"
	"github.com/BaSui01/agentmemory/internal/server"
	"github.com/BaSui01/agentmemory/internal/telemetry"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/search"
	"github.com/BaSui01/agentmemory/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// skipAuthPaths 不需要认证的探活与指标端点
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 agentmemory 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	tlsCert string
	tlsKey  string

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 记忆引擎及其协作者
	store     store.Store
	space     *agentmemory.MemorySpace
	llm       *extract.LLMExtractor
	collector *metrics.Collector
	telemetry *telemetry.Providers

	reloader *config.Reloader
	limiter  *RateLimiter

	cancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// 1. 遥测与指标
	s.initTelemetry(ctx)
	if s.collector == nil {
		s.collector = metrics.NewCollector("agentmemory", s.logger)
	}

	// 2. 存储与记忆空间
	if err := s.initMemory(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to init memory space: %w", err)
	}

	// 3. 热重载
	if err := s.initReloader(ctx); err != nil {
		s.closeMemory(ctx)
		cancel()
		return fmt.Errorf("failed to init config reloader: %w", err)
	}

	// 4. 限流器
	s.limiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)
	go s.limiter.Run(ctx)

	// 5. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		s.reloader.Stop()
		s.closeMemory(ctx)
		cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		_ = s.httpManager.Shutdown(ctx)
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
		zap.Bool("auth_enabled", s.cfg.Auth.Enabled()),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initTelemetry(ctx context.Context) {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers
}

// memoryRecorder 组合 Prometheus 采集器与 OTLP 指标；两者都没有时返回 nil
func (s *Server) memoryRecorder() telemetry.Recorder {
	var recs []telemetry.Recorder
	if s.collector != nil {
		recs = append(recs, s.collector)
	}
	if s.telemetry.Enabled() {
		otelRec, err := telemetry.NewMemoryRecorder(s.telemetry.Meter(telemetry.ScopeName))
		if err != nil {
			s.logger.Warn("otlp memory metrics disabled", zap.Error(err))
		} else {
			recs = append(recs, otelRec)
		}
	}
	switch len(recs) {
	case 0:
		return nil
	case 1:
		return recs[0]
	}
	return telemetry.Tee(recs...)
}

// initMemory 打开存储后端并启动记忆空间
func (s *Server) initMemory(ctx context.Context) error {
	st, err := store.Open(ctx, s.cfg.Storage, s.logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", s.cfg.Storage.Backend, err)
	}
	s.store = st

	opts := []agentmemory.Option{
		agentmemory.WithLogger(s.logger),
		agentmemory.WithStorage(st),
		agentmemory.WithIndex(search.NewMemoryIndex(s.cfg.Search, s.logger)),
		agentmemory.WithTracer(s.telemetry.Tracer(telemetry.ScopeName)),
	}
	if rec := s.memoryRecorder(); rec != nil {
		opts = append(opts, agentmemory.WithMetrics(rec))
	}
	if ex := s.buildExtractor(); ex != nil {
		opts = append(opts, agentmemory.WithExtractor(ex))
	}

	space, err := agentmemory.New(s.cfg.Memory, opts...)
	if err != nil {
		_ = st.Close()
		return err
	}
	s.space = space

	if sqlStore, ok := st.(*store.SQLStore); ok {
		if s.collector != nil {
			sqlStore.Pool().SetRecorder(s.collector)
		}
		// 周期清理时顺带删除库中已过期的行
		space.Transitions().RegisterHandler(transition.EventCleanup, func(ctx context.Context, _ transition.Event) error {
			n, err := sqlStore.PurgeExpired(ctx)
			if err == nil && n > 0 {
				s.logger.Info("purged expired rows", zap.Int64("rows", n))
			}
			return err
		})
	}

	if err := space.Start(ctx); err != nil {
		s.closeMemory(ctx)
		return err
	}
	return nil
}

// buildExtractor 按 extractor.mode 构建概念抽取器，none 返回 nil
func (s *Server) buildExtractor() memory.Extractor {
	cfg := s.cfg.Extractor
	newLLM := func() *extract.LLMExtractor {
		s.llm = extract.NewLLMExtractor(cfg.LLM, nil, s.logger)
		if s.collector != nil {
			s.llm.SetRecorder(s.collector)
		}
		return s.llm
	}

	switch cfg.Mode {
	case config.ExtractorNone:
		return nil
	case config.ExtractorLLM:
		return newLLM()
	case config.ExtractorFallback:
		return &extract.Fallback{
			Primary:   newLLM(),
			Secondary: extract.NewHeuristicExtractor(),
			Logger:    s.logger,
		}
	default:
		return extract.NewHeuristicExtractor()
	}
}

func (s *Server) closeMemory(ctx context.Context) {
	if s.space != nil {
		if err := s.space.Close(ctx); err != nil {
			s.logger.Error("memory space close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("storage close error", zap.Error(err))
		}
	}
}

// initReloader 创建热重载管理器并把可热更新字段应用到运行中的组件
func (s *Server) initReloader(ctx context.Context) error {
	s.reloader = config.NewReloader(config.NewLoader().Strict(), s.configPath, s.cfg,
		config.WithReloaderLogger(s.logger))
	s.reloader.OnReload(s.applyConfig)

	if s.configPath == "" {
		return nil
	}
	return s.reloader.Start(ctx)
}

// applyConfig 是配置重载回调
func (s *Server) applyConfig(old, updated *config.Config) {
	if old.Log.Level != updated.Log.Level {
		s.level.SetLevel(parseLevel(updated.Log.Level))
	}
	if s.space != nil {
		if err := s.space.Reconfigure(updated.Memory); err != nil {
			s.logger.Warn("memory thresholds not fully applied", zap.Error(err))
		}
	}
	if s.limiter != nil &&
		(old.Server.RateLimitRPS != updated.Server.RateLimitRPS || old.Server.RateLimitBurst != updated.Server.RateLimitBurst) {
		s.limiter.SetLimit(updated.Server.RateLimitRPS, updated.Server.RateLimitBurst)
	}
	if s.llm != nil && old.Extractor.LLM.RequestsPerSecond != updated.Extractor.LLM.RequestsPerSecond {
		s.llm.SetRate(updated.Extractor.LLM.RequestsPerSecond, updated.Extractor.LLM.Burst)
	}
	s.logger.Info("Configuration reloaded", zap.String("log_level", updated.Log.Level))
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// buildHandler 注册路由并构建中间件链
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	health := handlers.NewHealthHandler(s.logger,
		handlers.WithBuildInfo(handlers.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit}),
		handlers.WithTierStats(s.space.Stats))
	health.RegisterCheck(handlers.NewCheck("memory_space", func(context.Context) error {
		if !s.space.Running() {
			return errors.New("memory space is not running")
		}
		return nil
	}))
	health.RegisterCheck(handlers.NewCheck("http_server", func(ctx context.Context) error {
		// httpManager 在开始监听前赋值；测试直接用 httptest 托管 handler
		if s.httpManager == nil {
			return nil
		}
		return s.httpManager.Ready(ctx)
	}))
	if s.store != nil {
		health.RegisterCheck(handlers.NewCheck("storage", s.store.Ping))
	}
	if s.llm != nil {
		// 抽取失败时写入仍然成功，只降级
		health.RegisterCheck(handlers.NewOptionalCheck("extractor", s.llm.Healthy))
	}
	health.Register(mux)

	// 记忆 API
	handlers.NewMemoryHandler(s.space, s.logger,
		handlers.WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins...)).Register(mux)

	// 配置管理 API 额外要求管理权限
	handlers.NewConfigHandler(s.reloader, s.logger).Register(mux, AdminOnly(s.cfg.Auth))

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
	}
	if s.collector != nil {
		chain = append(chain, MetricsMiddleware(s.collector))
	}
	chain = append(chain,
		CORS(s.cfg.Server.CORSAllowedOrigins),
		Authenticate(s.cfg.Auth, skipAuthPaths, s.logger),
	)
	if s.limiter != nil {
		chain = append(chain, s.limiter.Middleware())
	}
	return Chain(mux, chain...)
}

func (s *Server) serverConfig(name string, port int) server.Config {
	return server.Config{
		Name:            name,
		Addr:            fmt.Sprintf(":%d", port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		MaxConnections:  s.cfg.Server.MaxConnections,
		DrainDelay:      s.cfg.Server.DrainDelay,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
}

// startHTTPServer 启动 API 服务器，并注册按逆序执行的关闭钩子
func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager(s.buildHandler(), s.serverConfig("api", s.cfg.Server.HTTPPort), s.logger)

	s.httpManager.OnShutdown("telemetry", s.telemetry.Shutdown)
	s.httpManager.OnShutdown("storage", func(context.Context) error { return s.store.Close() })
	s.httpManager.OnShutdown("memory_space", func(ctx context.Context) error { return s.space.Close(ctx) })
	s.httpManager.OnShutdown("background", func(context.Context) error {
		s.reloader.Stop()
		s.cancel()
		return nil
	})

	if s.tlsCert != "" || s.tlsKey != "" {
		if s.tlsCert == "" || s.tlsKey == "" {
			return errors.New("both --tls-cert and --tls-key are required for HTTPS")
		}
		return s.httpManager.StartTLS(s.tlsCert, s.tlsKey)
	}
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	cfg := s.serverConfig("metrics", s.cfg.Server.MetricsPort)
	cfg.MaxConnections = 0
	cfg.DrainDelay = 0
	s.metricsManager = server.NewManager(mux, cfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() error {
	err := s.httpManager.WaitForShutdown(context.Background())
	return errors.Join(err, s.shutdownMetrics())
}

// Shutdown 主动关闭所有服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown...")
	var err error
	if s.httpManager != nil {
		err = s.httpManager.Shutdown(ctx)
	}
	return errors.Join(err, s.shutdownMetrics())
}

func (s *Server) shutdownMetrics() error {
	if s.metricsManager == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.metricsManager.Shutdown(ctx)
}
