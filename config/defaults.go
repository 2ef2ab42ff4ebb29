// =============================================================================
// 📦 agentmemory 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentmemory/extract"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/search"
	"github.com/BaSui01/agentmemory/store"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Memory:    DefaultMemoryConfig(),
		Storage:   store.DefaultConfig(),
		Search:    search.DefaultIndexConfig(),
		Extractor: DefaultExtractorConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		DrainDelay:      2 * time.Second,
		MaxConnections:  1024,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultMemoryConfig 返回默认记忆层配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Working:       memory.DefaultWorkingConfig(),
		Episodic:      memory.DefaultEpisodicConfig(),
		Semantic:      memory.DefaultSemanticConfig(),
		Procedural:    memory.DefaultProceduralConfig(),
		Transition:    transition.DefaultConfig(),
		Threshold:     transition.DefaultThresholdConfig(),
		Monitors:      DefaultMonitorsConfig(),
		TokenEncoding: "cl100k_base",
	}
}

// DefaultMonitorsConfig 返回默认内置监视器配置
func DefaultMonitorsConfig() MonitorsConfig {
	return MonitorsConfig{
		CapacityThreshold: 0.8,
		EmotionThreshold:  0.7,
		CleanupInterval:   5 * time.Minute,
		ConsolidateOnGoal: true,
	}
}

// DefaultExtractorConfig 返回默认抽取配置
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Mode: ExtractorHeuristic,
		LLM:  extract.DefaultLLMConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "agentmemory",
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: time.Minute,
	}
}
