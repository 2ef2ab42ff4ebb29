package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// ErrDraining 关闭流程已开始，就绪检查应失败
var ErrDraining = errors.New("server is draining")

// Hook 在 HTTP 服务停止后执行的清理函数
type Hook func(ctx context.Context) error

type state int

const (
	stateIdle state = iota
	stateServing
	stateDraining
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateServing:
		return "serving"
	case stateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Config 服务器配置
type Config struct {
	// Name 出现在日志中，区分 API 与 metrics 服务
	Name string `yaml:"name" json:"name"`

	Addr           string        `yaml:"addr" json:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// MaxConnections 最大并发连接数，<= 0 表示不限制
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// DrainDelay 关闭前先让就绪检查失败并等待这段时间，负载均衡器据此摘除实例
	DrainDelay time.Duration `yaml:"drain_delay" json:"drain_delay"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		MaxConnections:  1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 管理单个 http.Server 的监听、排空与关闭钩子
type Manager struct {
	srv    *http.Server
	config Config
	logger *zap.Logger
	errCh  chan error

	mu       sync.RWMutex
	state    state
	listener net.Listener
	hooks    []namedHook
}

type namedHook struct {
	name string
	fn   Hook
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "http"
	}
	return &Manager{
		srv: &http.Server{
			Addr:           config.Addr,
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
		},
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
		errCh:  make(chan error, 1),
	}
}

// OnShutdown 注册关闭钩子，HTTP 服务停止后按注册的逆序执行
func (m *Manager) OnShutdown(name string, fn Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: fn})
}

// Start 以明文 HTTP 开始服务，不阻塞
func (m *Manager) Start() error { return m.start("", "") }

// StartTLS 以 HTTPS 开始服务，不阻塞
func (m *Manager) StartTLS(certFile, keyFile string) error {
	if certFile == "" || keyFile == "" {
		return errors.New("both certificate and key files are required")
	}
	return m.start(certFile, keyFile)
}

func (m *Manager) start(certFile, keyFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateIdle:
	case stateServing:
		return fmt.Errorf("%s server already started", m.config.Name)
	default:
		return fmt.Errorf("%s server is %s", m.config.Name, m.state)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.config.MaxConnections)
	}
	m.listener = ln
	m.state = stateServing

	secure := certFile != ""
	if secure && m.srv.TLSConfig == nil {
		m.srv.TLSConfig = tlsutil.ServerConfig()
	}
	m.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", secure),
		zap.Int("max_connections", m.config.MaxConnections))

	go func() {
		var err error
		if secure {
			err = m.srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = m.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Ready 供就绪检查使用：排空开始后返回 ErrDraining
func (m *Manager) Ready(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == stateServing {
		return nil
	}
	if m.state == stateIdle {
		return errors.New("server not started")
	}
	return ErrDraining
}

// Shutdown 先排空 DrainDelay，再优雅关闭 http.Server，最后逆序执行钩子。
// 可重复调用；钩子错误合并返回。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateDraining || m.state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	wasServing := m.state == stateServing
	m.state = stateDraining
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	if wasServing && m.config.DrainDelay > 0 {
		m.logger.Info("draining", zap.Duration("delay", m.config.DrainDelay))
		t := time.NewTimer(m.config.DrainDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	timeout := m.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		errs = append(errs, err)
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(shutdownCtx); err != nil {
			m.logger.Error("shutdown hook failed", zap.String("hook", hooks[i].name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}

	m.mu.Lock()
	m.state = stateClosed
	m.mu.Unlock()
	m.logger.Info("server stopped")
	return errors.Join(errs...)
}

// WaitForShutdown 阻塞到收到 SIGINT/SIGTERM、ctx 取消或服务异常退出，然后关闭。
// 服务异常时返回该错误。
func (m *Manager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cause error
	select {
	case <-sigCtx.Done():
		m.logger.Info("shutdown requested", zap.Error(context.Cause(sigCtx)))
	case cause = <-m.errCh:
	}
	return errors.Join(cause, m.Shutdown(context.Background()))
}

// Errors 返回服务异常退出的错误
func (m *Manager) Errors() <-chan error { return m.errCh }

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 是否仍在接收新请求
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateServing
}
