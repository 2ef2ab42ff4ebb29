// Package store provides the Storage backends memory tiers mirror their writes to.
//
// Supported backends:
//   - memory: in-process map, for development and tests (default)
//   - redis: one JSON document per unit plus per-tier sets and a timeline index
//   - sql: gorm model over postgres, mysql or sqlite
//   - mongo: one document per unit with queryable top-level fields
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agentmemory/internal/database"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("store is closed")

// Backend names a storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQL    Backend = "sql"
	BackendMongo  Backend = "mongo"
)

// Store is a memory.Storage that can report its health.
type Store interface {
	memory.Storage
	Ping(ctx context.Context) error
}

// Backends that write a group of units in one transaction.
var (
	_ memory.BatchStorage = (*MemoryStore)(nil)
	_ memory.BatchStorage = (*SQLStore)(nil)
	_ memory.BatchStorage = (*RedisStore)(nil)
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend     `json:"backend" yaml:"backend"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
	SQL     SQLConfig   `json:"sql" yaml:"sql"`
	Mongo   MongoConfig `json:"mongo" yaml:"mongo"`
}

// DefaultConfig returns the in-memory backend with defaults for the others.
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		Redis:   DefaultRedisConfig(),
		SQL:     DefaultSQLConfig(),
		Mongo:   DefaultMongoConfig(),
	}
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	case BackendSQL:
		db, err := database.Open(cfg.SQL.Driver, cfg.SQL.DSN, logger)
		if err != nil {
			return nil, err
		}
		pool, err := database.NewPoolManager(db, cfg.SQL.Pool.ForDSN(cfg.SQL.Driver, cfg.SQL.DSN), logger)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, pool, cfg.SQL, logger)
	case BackendMongo:
		return NewMongoStore(ctx, cfg.Mongo, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: memory, redis, sql, mongo)", cfg.Backend)
	}
}

// finish applies the parts of filter a backend could not push down, orders the
// result oldest first and applies the limit.
func finish(units []*types.MemoryUnit, filter types.Filter) []*types.MemoryUnit {
	out := units[:0]
	for _, u := range units {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func validateUnit(unit *types.MemoryUnit) error {
	if unit == nil || unit.ID == "" {
		return types.NewValidationError("memory unit id is required")
	}
	return nil
}

func notFound(id string) error {
	return types.NewNotFoundError("memory unit", id)
}

// ttlUntil converts an absolute expiry into a relative TTL. Zero means no expiry.
func ttlUntil(expiresAt *time.Time, now time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
