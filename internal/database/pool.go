package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 连接池
// =============================================================================

// StatsRecorder 接收探活时采集的连接数，由 internal/metrics.Collector 实现
type StatsRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// PoolConfig 连接池与事务重试配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// HealthCheckInterval 探活间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// RetryBaseDelay 事务重试的首次等待，之后每次翻倍直到 RetryMaxDelay
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        50,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       time.Second,
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns <= 0 {
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	return nil
}

// ForDSN 调整配置以适配具体连接串。内存 SQLite 每个连接都是独立的库，
// 因此固定为单连接且不回收。
func (c PoolConfig) ForDSN(driver, dsn string) PoolConfig {
	if !isInMemorySQLite(driver, dsn) {
		return c
	}
	c.MaxOpenConns = 1
	c.MaxIdleConns = 1
	c.ConnMaxLifetime = 0
	c.ConnMaxIdleTime = 0
	return c
}

func isInMemorySQLite(driver, dsn string) bool {
	if driver != DriverSQLite && driver != DriverSQLite3 {
		return false
	}
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// PoolManager 持有 GORM 实例与底层 sql.DB，负责池参数、探活与带重试的事务。
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	name   string
	config PoolConfig
	logger *zap.Logger

	mu       sync.RWMutex
	recorder StatsRecorder
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPoolManager 应用池参数；HealthCheckInterval > 0 时启动后台探活。
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		name:   db.Name(),
		config: config,
		logger: logger.With(zap.String("component", "db_pool"), zap.String("dialect", db.Name())),
		done:   make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		pm.wg.Add(1)
		go pm.probeLoop()
	}
	pm.logger.Info("database pool ready",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))
	return pm, nil
}

// SetRecorder 设置连接数指标记录器
func (pm *PoolManager) SetRecorder(r StatsRecorder) {
	pm.mu.Lock()
	pm.recorder = r
	pm.mu.Unlock()
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB { return pm.db }

// Ping 探活；关闭后返回 ErrPoolClosed
func (pm *PoolManager) Ping(ctx context.Context) error {
	if pm.isClosed() {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回底层连接池统计
func (pm *PoolManager) Stats() sql.DBStats { return pm.sqlDB.Stats() }

// Close 停止探活并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.done)
	pm.mu.Unlock()

	pm.wg.Wait()
	pm.logger.Info("database pool closed")
	return pm.sqlDB.Close()
}

func (pm *PoolManager) isClosed() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.closed
}

func (pm *PoolManager) probeLoop() {
	defer pm.wg.Done()
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
			pm.probe()
		}
	}
}

// probe 探活并上报连接数
func (pm *PoolManager) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pm.Ping(ctx); err != nil {
		if !errors.Is(err, ErrPoolClosed) {
			pm.logger.Warn("database probe failed", zap.Error(err))
		}
		return
	}
	stats := pm.Stats()
	pm.mu.RLock()
	r := pm.recorder
	pm.mu.RUnlock()
	if r != nil {
		r.RecordDBConnections(pm.name, stats.OpenConnections, stats.Idle)
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn，fn 返回错误时回滚
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	if pm.isClosed() {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 对可重试的失败（死锁、序列化冲突、SQLite 忙、断连）
// 最多执行 attempts 次，间隔按 RetryBaseDelay 翻倍。
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = pm.WithTransaction(ctx, fn); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := pm.backoff(i)
		pm.logger.Warn("transaction retry",
			zap.Int("attempt", i+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

func (pm *PoolManager) backoff(attempt int) time.Duration {
	d := pm.config.RetryBaseDelay << uint(attempt)
	if limit := pm.config.RetryMaxDelay; limit > 0 && (d > limit || d <= 0) {
		return limit
	}
	return d
}

var retryableFragments = []string{
	"deadlock",
	"serialization failure",
	"40001",
	"lock wait timeout",
	"lock timeout",
	"database is locked",
	"sqlite_busy",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

// IsRetryable 判断事务失败是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range retryableFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
