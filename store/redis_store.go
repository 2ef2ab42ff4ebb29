package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"github.com/BaSui01/agentmemory/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 存储
// =============================================================================

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr         string `json:"addr" yaml:"addr"`
	Password     string `json:"password" yaml:"password"`
	DB           int    `json:"db" yaml:"db"`
	PoolSize     int    `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns" yaml:"min_idle_conns"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
	TLSEnabled   bool   `json:"tls_enabled" yaml:"tls_enabled"`

	// TLS 仅在 TLSEnabled 时生效
	TLS tlsutil.Options `json:"tls" yaml:"tls"`

	// KeyPrefix 所有键的前缀
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// HealthCheckInterval 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		KeyPrefix:           "agentmemory:",
		HealthCheckInterval: 30 * time.Second,
	}
}

var allCategories = []types.MemoryCategory{
	types.MemoryWorking, types.MemoryEpisodic, types.MemorySemantic, types.MemoryProcedural,
}

// RedisStore 每个单元一个 JSON 值，另有按层的 set 与按时间排序的 zset 索引。
// 单元带 ExpiresAt 时值会设置同样的过期时间，索引中残留的 ID 在查询时清理。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	config RedisConfig
	now    func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRedisStore 连接 Redis 并创建存储。
func NewRedisStore(ctx context.Context, config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
	}
	if config.TLSEnabled {
		tlsCfg, err := tlsutil.ClientConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis tls: %w", err)
		}
		opts.TLSConfig = tlsCfg
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStoreFromClient(client, config, logger)
	if config.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}
	s.logger.Info("redis store initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize))
	return s, nil
}

// NewRedisStoreFromClient 使用已有客户端创建存储，不启动健康检查。
func NewRedisStoreFromClient(client redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "redis_store")),
		done:   make(chan struct{}),
	}
}

func (s *RedisStore) unitKey(id string) string { return s.prefix + "unit:" + id }

func (s *RedisStore) tierKey(c types.MemoryCategory) string { return s.prefix + "tier:" + string(c) }

func (s *RedisStore) timelineKey() string { return s.prefix + "timeline" }

func (s *RedisStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save 写入单元并更新索引。
func (s *RedisStore) Save(ctx context.Context, unit *types.MemoryUnit) error {
	if err := validateUnit(unit); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to marshal memory unit: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueSave(ctx, pipe, unit, data)
		return nil
	})
	if err != nil {
		s.logger.Error("redis save failed", zap.String("id", unit.ID), zap.Error(err))
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

// SaveAll 在一个 MULTI/EXEC 事务中保存全部单元。
func (s *RedisStore) SaveAll(ctx context.Context, units []*types.MemoryUnit) error {
	payloads := make([][]byte, len(units))
	for i, u := range units {
		if err := validateUnit(u); err != nil {
			return err
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to marshal memory unit: %w", err)
		}
		payloads[i] = data
	}
	if len(units) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, u := range units {
			s.queueSave(ctx, pipe, u, payloads[i])
		}
		return nil
	})
	if err != nil {
		s.logger.Error("redis batch save failed", zap.Int("count", len(units)), zap.Error(err))
		return fmt.Errorf("redis batch save failed: %w", err)
	}
	return nil
}

func (s *RedisStore) queueSave(ctx context.Context, pipe redis.Pipeliner, unit *types.MemoryUnit, data []byte) {
	pipe.Set(ctx, s.unitKey(unit.ID), data, ttlUntil(unit.ExpiresAt, s.now()))
	// 晋升会改变层，先从所有层索引移除
	for _, c := range allCategories {
		pipe.SRem(ctx, s.tierKey(c), unit.ID)
	}
	if unit.Category != "" {
		pipe.SAdd(ctx, s.tierKey(unit.Category), unit.ID)
	}
	pipe.ZAdd(ctx, s.timelineKey(), redis.Z{
		Score:  float64(unit.Timestamp.UnixMilli()),
		Member: unit.ID,
	})
}

// Load 读取单元。
func (s *RedisStore) Load(ctx context.Context, id string) (*types.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.unitKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis load failed: %w", err)
	}
	var u types.MemoryUnit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory unit %s: %w", id, err)
	}
	return &u, nil
}

// Delete 删除单元及其索引。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.unitKey(id))
		s.unindex(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, ids ...string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	for _, c := range allCategories {
		pipe.SRem(ctx, s.tierKey(c), members...)
	}
	pipe.ZRem(ctx, s.timelineKey(), members...)
}

// Query 按层或时间范围从索引取 ID，批量读取后在内存中完成过滤。
func (s *RedisStore) Query(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*types.MemoryUnit{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.unitKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query failed: %w", err)
	}

	units := make([]*types.MemoryUnit, 0, len(values))
	var stale []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var u types.MemoryUnit
		if err := json.Unmarshal([]byte(str), &u); err != nil {
			s.logger.Warn("skipping undecodable memory unit", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		units = append(units, &u)
	}
	if len(stale) > 0 {
		pipe := s.client.Pipeline()
		s.unindex(ctx, pipe, stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("failed to prune expired index entries", zap.Error(err))
		}
	}
	return finish(units, filter), nil
}

func (s *RedisStore) candidateIDs(ctx context.Context, filter types.Filter) ([]string, error) {
	if len(filter.IDs) > 0 {
		return filter.IDs, nil
	}
	if len(filter.Categories) > 0 {
		keys := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			keys[i] = s.tierKey(c)
		}
		ids, err := s.client.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis tier lookup failed: %w", err)
		}
		return ids, nil
	}

	lo, hi := "-inf", "+inf"
	if tr := filter.TimeRange; tr != nil {
		if !tr.Start.IsZero() {
			lo = strconv.FormatInt(tr.Start.UnixMilli(), 10)
		}
		if !tr.End.IsZero() {
			hi = strconv.FormatInt(tr.End.UnixMilli(), 10)
		}
	}
	ids, err := s.client.ZRangeByScore(ctx, s.timelineKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis timeline lookup failed: %w", err)
	}
	return ids, nil
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭存储
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.logger.Info("closing redis store")
	return s.client.Close()
}

// healthCheckLoop 健康检查循环
func (s *RedisStore) healthCheckLoop() {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Ping(ctx); err != nil && !errors.Is(err, ErrStoreClosed) {
				s.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}
