// =============================================================================
// 📦 agentmemory 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTMEMORY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentmemory/extract"
	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/search"
	"github.com/BaSui01/agentmemory/store"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentmemory 服务的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Memory 记忆层配置
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Storage 持久化后端配置
	Storage store.Config `yaml:"storage" env:"STORAGE"`

	// Search 全文索引配置
	Search search.IndexConfig `yaml:"search" env:"SEARCH"`

	// Extractor 概念抽取配置
	Extractor ExtractorConfig `yaml:"extractor" env:"EXTRACTOR"`

	// Auth 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示与 HTTP 共用
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 关闭前就绪探针失败的排空时间
	DrainDelay time.Duration `yaml:"drain_delay" env:"DRAIN_DELAY"`
	// 最大并发连接数
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// 每个客户端的限流速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许跨域的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// MemoryConfig 记忆层配置
type MemoryConfig struct {
	Working    memory.WorkingConfig       `yaml:"working" env:"WORKING"`
	Episodic   memory.EpisodicConfig      `yaml:"episodic" env:"EPISODIC"`
	Semantic   memory.SemanticConfig      `yaml:"semantic" env:"SEMANTIC"`
	Procedural memory.ProceduralConfig    `yaml:"procedural" env:"PROCEDURAL"`
	Transition transition.Config          `yaml:"transition" env:"TRANSITION"`
	Threshold  transition.ThresholdConfig `yaml:"threshold" env:"THRESHOLD"`
	Monitors   MonitorsConfig             `yaml:"monitors" env:"MONITORS"`
	// TokenEncoding 工作记忆 token 预算使用的 tiktoken 编码
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// MonitorsConfig 内置监视器配置
type MonitorsConfig struct {
	// 工作记忆使用率达到该值时触发容量监视器
	CapacityThreshold float64 `yaml:"capacity_threshold" env:"CAPACITY_THRESHOLD"`
	// 情绪显著度达到该值时晋升到情景记忆
	EmotionThreshold float64 `yaml:"emotion_threshold" env:"EMOTION_THRESHOLD"`
	// 周期清理间隔
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 周期清理 cron 表达式，设置后取代 CleanupInterval
	CleanupCron string `yaml:"cleanup_cron" env:"CLEANUP_CRON"`
	// 目标完成时是否整合情景记忆
	ConsolidateOnGoal bool `yaml:"consolidate_on_goal" env:"CONSOLIDATE_ON_GOAL"`
}

// 抽取模式
const (
	ExtractorNone      = "none"
	ExtractorHeuristic = "heuristic"
	ExtractorLLM       = "llm"
	// ExtractorFallback 先调用 LLM，失败或无结果时使用启发式
	ExtractorFallback = "fallback"
)

// ExtractorConfig 概念抽取配置
type ExtractorConfig struct {
	// 模式: none, heuristic, llm, fallback
	Mode string            `yaml:"mode" env:"MODE"`
	LLM  extract.LLMConfig `yaml:"llm" env:"LLM"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// JWT HMAC 密钥，为空时不启用 JWT
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 静态 API Key，JWT 未启用时使用
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
}

// Enabled 是否需要认证
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || len(a.APIKeys) > 0
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// Insecure 使用明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// TLS Insecure 为 false 时使用
	TLS tlsutil.Options `yaml:"tls"`
	// ExportInterval 指标推送间隔
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// DefaultEnvPrefix 环境变量前缀，例如 AGENTMEMORY_SERVER_HTTP_PORT
const DefaultEnvPrefix = "AGENTMEMORY"

// Loader 按 默认值 → YAML 文件 → 环境变量 → 校验器 的顺序组装 Config
type Loader struct {
	path       string
	envPrefix  string
	strict     bool
	validators []func(*Config) error
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithConfigPath 设置 YAML 文件路径，文件不存在时只用默认值与环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 替换环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Strict 拒绝 YAML 中未知的键，拼错的字段不会被静默忽略
func (l *Loader) Strict() *Loader {
	l.strict = true
	return l
}

// WithValidator 追加校验器，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 每次调用都从默认值重新构建，热重载依赖这一点
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.decodeFile(cfg); err != nil {
		return nil, err
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) decodeFile(cfg *Config) error {
	if l.path == "" {
		return nil
	}
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(l.strict)
	// 空文件等同于没有覆盖
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	return nil
}

// envName 返回字段的环境变量名：优先 env tag，其次大写的 yaml tag。
func envName(f reflect.StructField) string {
	if tag := f.Tag.Get("env"); tag != "" {
		return tag
	}
	tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.ToUpper(tag)
}

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		name := envName(fieldType)
		if name == "" || name == "-" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// ✅ 配置校验
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	switch c.Storage.Backend {
	case "", store.BackendMemory, store.BackendRedis, store.BackendMongo:
	case store.BackendSQL:
		if err := c.Storage.SQL.Pool.Validate(); err != nil {
			errs = append(errs, "storage.sql.pool: "+err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	m := c.Memory
	if m.Working.MaxCapacity <= 0 {
		errs = append(errs, "memory.working.max_capacity must be positive")
	}
	if m.Episodic.SimilarityThreshold < 0 || m.Episodic.SimilarityThreshold > 1 {
		errs = append(errs, "memory.episodic.similarity_threshold must be between 0 and 1")
	}
	if m.Threshold.CapacityUsage <= 0 || m.Threshold.CapacityUsage > 1 {
		errs = append(errs, "memory.threshold.capacity_usage must be in (0, 1]")
	}
	if m.Monitors.CleanupCron != "" {
		if err := transition.OnCron(m.Monitors.CleanupCron).Validate(); err != nil {
			errs = append(errs, "memory.monitors.cleanup_cron: "+err.Error())
		}
	}

	switch c.Extractor.Mode {
	case "", ExtractorNone, ExtractorHeuristic:
	case ExtractorLLM, ExtractorFallback:
		if c.Extractor.LLM.BaseURL == "" {
			errs = append(errs, "extractor.llm.base_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown extractor mode %q", c.Extractor.Mode))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.ExportInterval < 0 {
		errs = append(errs, "telemetry.export_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
