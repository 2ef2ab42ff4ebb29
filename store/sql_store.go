package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentmemory/internal/database"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLConfig configures the SQL backend.
type SQLConfig struct {
	// Driver is one of postgres, mysql, sqlite, sqlite3.
	Driver string              `json:"driver" yaml:"driver"`
	DSN    string              `json:"dsn" yaml:"dsn"`
	Pool   database.PoolConfig `json:"pool" yaml:"pool"`
	// AutoMigrate creates the memory_units table through gorm instead of the
	// embedded migrations.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
	MaxRetries  int  `json:"max_retries" yaml:"max_retries"`
}

// DefaultSQLConfig returns a local sqlite setup.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:      database.DriverSQLite,
		DSN:         "file:agentmemory.db?_pragma=busy_timeout(5000)",
		Pool:        database.DefaultPoolConfig(),
		AutoMigrate: true,
		MaxRetries:  3,
	}
}

// MemoryRecord is the row model of a memory unit. The full unit is kept as JSON
// in Data; the other columns exist for filtering.
type MemoryRecord struct {
	ID          string     `gorm:"primaryKey;size:64"`
	Category    string     `gorm:"size:32;index"`
	Priority    float64    `gorm:"index"`
	AccessCount int        `gorm:"not null;default:0"`
	Timestamp   time.Time  `gorm:"index"`
	ExpiresAt   *time.Time `gorm:"index"`
	Data        string     `gorm:"type:text;not null"`
	UpdatedAt   time.Time
}

// TableName implements gorm's tabler.
func (MemoryRecord) TableName() string { return "memory_units" }

func toRecord(u *types.MemoryUnit) (*MemoryRecord, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memory unit: %w", err)
	}
	return &MemoryRecord{
		ID:          u.ID,
		Category:    string(u.Category),
		Priority:    u.Priority,
		AccessCount: u.AccessCount,
		Timestamp:   u.Timestamp.UTC(),
		ExpiresAt:   u.ExpiresAt,
		Data:        string(data),
	}, nil
}

func (r *MemoryRecord) unit() (*types.MemoryUnit, error) {
	var u types.MemoryUnit
	if err := json.Unmarshal([]byte(r.Data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory unit %s: %w", r.ID, err)
	}
	return &u, nil
}

// SQLStore persists units through gorm.
type SQLStore struct {
	pool    *database.PoolManager
	retries int
	now     func() time.Time
	logger  *zap.Logger
}

// NewSQLStore creates the store on an open pool.
func NewSQLStore(ctx context.Context, pool *database.PoolManager, config SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AutoMigrate {
		if err := pool.DB().WithContext(ctx).AutoMigrate(&MemoryRecord{}); err != nil {
			return nil, fmt.Errorf("failed to migrate memory_units: %w", err)
		}
	}
	retries := config.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &SQLStore{
		pool:    pool,
		retries: retries,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "sql_store")),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, unit *types.MemoryUnit) error {
	if err := validateUnit(unit); err != nil {
		return err
	}
	rec, err := toRecord(unit)
	if err != nil {
		return err
	}
	err = s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
	})
	if err != nil {
		s.logger.Error("sql save failed", zap.String("id", unit.ID), zap.Error(err))
		return fmt.Errorf("sql save failed: %w", err)
	}
	return nil
}

// SaveAll upserts every unit in one transaction.
func (s *SQLStore) SaveAll(ctx context.Context, units []*types.MemoryUnit) error {
	recs := make([]*MemoryRecord, 0, len(units))
	for _, u := range units {
		if err := validateUnit(u); err != nil {
			return err
		}
		rec, err := toRecord(u)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil
	}
	err := s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		for _, rec := range recs {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sql batch save failed", zap.Int("count", len(recs)), zap.Error(err))
		return fmt.Errorf("sql batch save failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*types.MemoryUnit, error) {
	var rec MemoryRecord
	err := s.pool.DB().WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("sql load failed: %w", err)
	}
	return rec.unit()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res := s.pool.DB().WithContext(ctx).Where("id = ?", id).Delete(&MemoryRecord{})
	if res.Error != nil {
		return fmt.Errorf("sql delete failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// Query pushes category, id, time, priority and access count conditions down to
// SQL; text and metadata conditions are applied after decoding.
func (s *SQLStore) Query(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	q := s.pool.DB().WithContext(ctx).Model(&MemoryRecord{})
	if len(filter.Categories) > 0 {
		cats := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			cats[i] = string(c)
		}
		q = q.Where("category IN ?", cats)
	}
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if tr := filter.TimeRange; tr != nil {
		if !tr.Start.IsZero() {
			q = q.Where("timestamp >= ?", tr.Start.UTC())
		}
		if !tr.End.IsZero() {
			q = q.Where("timestamp <= ?", tr.End.UTC())
		}
	}
	if p := filter.Priority; p != nil {
		if p.Min != nil {
			q = q.Where("priority >= ?", *p.Min)
		}
		if p.Max != nil {
			q = q.Where("priority <= ?", *p.Max)
		}
	}
	if filter.MinAccessCount > 0 {
		q = q.Where("access_count >= ?", filter.MinAccessCount)
	}

	var recs []MemoryRecord
	if err := q.Order("timestamp ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("sql query failed: %w", err)
	}
	units := make([]*types.MemoryUnit, 0, len(recs))
	for i := range recs {
		u, err := recs[i].unit()
		if err != nil {
			s.logger.Warn("skipping undecodable memory unit", zap.String("id", recs[i].ID), zap.Error(err))
			continue
		}
		units = append(units, u)
	}
	return finish(units, filter), nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.pool.DB().WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now().UTC()).
		Delete(&MemoryRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sql purge failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Pool exposes the connection pool for metrics wiring.
func (s *SQLStore) Pool() *database.PoolManager { return s.pool }

func (s *SQLStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *SQLStore) Close() error { return s.pool.Close() }
