// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 50, cfg.Memory.Working.MaxCapacity)
	assert.Equal(t, 30*time.Minute, cfg.Memory.Working.DefaultTTL)
	assert.Equal(t, 0.6, cfg.Memory.Episodic.SimilarityThreshold)
	assert.Equal(t, 0.8, cfg.Memory.Threshold.CapacityUsage)
	assert.Equal(t, 0.8, cfg.Memory.Monitors.CapacityThreshold)
	assert.True(t, cfg.Memory.Monitors.ConsolidateOnGoal)

	assert.Equal(t, store.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, ExtractorHeuristic, cfg.Extractor.Mode)
	assert.Equal(t, 1.5, cfg.Search.K1)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Auth.Enabled())

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
memory:
  working:
    max_capacity: 7
    default_ttl: 2m
  threshold:
    access_count: 9
  monitors:
    cleanup_cron: "0 3 * * *"
storage:
  backend: sql
  sql:
    driver: postgres
    dsn: "postgres://mem@db/mem?sslmode=disable"
    pool:
      max_open_conns: 12
extractor:
  mode: fallback
  llm:
    base_url: "http://llm.local"
    model: "local-model"
log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o600))

	cfg, err := NewLoader().WithConfigPath(configPath).WithValidator((*Config).Validate).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 7, cfg.Memory.Working.MaxCapacity)
	assert.Equal(t, 2*time.Minute, cfg.Memory.Working.DefaultTTL)
	assert.Equal(t, 5*time.Minute, cfg.Memory.Working.CleanupInterval, "unset fields keep defaults")
	assert.Equal(t, 9, cfg.Memory.Threshold.AccessCount)
	assert.Equal(t, store.BackendSQL, cfg.Storage.Backend)
	assert.Equal(t, 12, cfg.Storage.SQL.Pool.MaxOpenConns)
	assert.Equal(t, "local-model", cfg.Extractor.LLM.Model)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://mem@db/mem?sslmode=disable", cfg.Storage.SQL.DSN)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o600))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTMEMORY_SERVER_HTTP_PORT", "9000")
	t.Setenv("AGENTMEMORY_MEMORY_WORKING_MAX_CAPACITY", "12")
	t.Setenv("AGENTMEMORY_MEMORY_WORKING_DEFAULT_TTL", "90s")
	t.Setenv("AGENTMEMORY_MEMORY_THRESHOLD_CAPACITY_USAGE", "0.5")
	t.Setenv("AGENTMEMORY_STORAGE_BACKEND", "redis")
	t.Setenv("AGENTMEMORY_STORAGE_REDIS_ADDR", "redis:6379")
	t.Setenv("AGENTMEMORY_STORAGE_SQL_POOL_MAX_IDLE_CONNS", "3")
	t.Setenv("AGENTMEMORY_EXTRACTOR_LLM_API_KEY", "sk-env")
	t.Setenv("AGENTMEMORY_AUTH_API_KEYS", "a, b")
	t.Setenv("AGENTMEMORY_LOG_ENABLE_CALLER", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 12, cfg.Memory.Working.MaxCapacity)
	assert.Equal(t, 90*time.Second, cfg.Memory.Working.DefaultTTL)
	assert.Equal(t, 0.5, cfg.Memory.Threshold.CapacityUsage)
	assert.Equal(t, store.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.SQL.Pool.MaxIdleConns)
	assert.Equal(t, "sk-env", cfg.Extractor.LLM.APIKey)
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.APIKeys)
	assert.True(t, cfg.Auth.Enabled())
	assert.False(t, cfg.Log.EnableCaller)
}

func TestLoader_CustomPrefixAndBadValue(t *testing.T) {
	t.Setenv("MEM_SERVER_HTTP_PORT", "not-a-number")
	_, err := NewLoader().WithEnvPrefix("MEM").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEM_SERVER_HTTP_PORT")
}

func TestLoader_Validator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return assert.AnError
	}).Load()
	require.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "cassandra" }, "unknown storage backend"},
		{"sql pool", func(c *Config) { c.Storage.Backend = store.BackendSQL; c.Storage.SQL.Pool.MaxIdleConns = 500 }, "storage.sql.pool"},
		{"zero capacity", func(c *Config) { c.Memory.Working.MaxCapacity = 0 }, "max_capacity"},
		{"capacity usage", func(c *Config) { c.Memory.Threshold.CapacityUsage = 1.5 }, "capacity_usage"},
		{"bad cron", func(c *Config) { c.Memory.Monitors.CleanupCron = "every day" }, "cleanup_cron"},
		{"llm without url", func(c *Config) { c.Extractor.Mode = ExtractorLLM; c.Extractor.LLM.BaseURL = "" }, "base_url"},
		{"bad mode", func(c *Config) { c.Extractor.Mode = "magic" }, "unknown extractor mode"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoader_StrictRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("memory:\n  working:\n    max_capacty: 9\n"), 0o600))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err, "lenient by default")
	assert.Equal(t, DefaultConfig().Memory.Working.MaxCapacity, cfg.Memory.Working.MaxCapacity)

	_, err = NewLoader().WithConfigPath(configPath).Strict().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_capacty")
}

func TestLoader_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, nil, 0o600))

	cfg, err := NewLoader().WithConfigPath(configPath).Strict().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.HTTPPort, cfg.Server.HTTPPort)
}
