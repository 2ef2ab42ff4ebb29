// 配置热重载。
//
// 轮询配置文件的修改时间，变更时重新加载并校验，只把可热更新的字段
// 应用到当前配置；其余字段的变更记录为需要重启。
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// hotReloadable 可在运行时更新的字段路径前缀（yaml 路径）
var hotReloadable = []string{
	"log.level",
	"memory.threshold.",
	"memory.monitors.capacity_threshold",
	"memory.monitors.emotion_threshold",
	"server.rate_limit_rps",
	"server.rate_limit_burst",
	"extractor.llm.requests_per_second",
}

// IsHotReloadable 判断字段路径是否可热更新
func IsHotReloadable(path string) bool {
	for _, p := range hotReloadable {
		if path == p || (strings.HasSuffix(p, ".") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// Change 一个字段的变更
type Change struct {
	Path    string `json:"path"`
	Old     any    `json:"old"`
	New     any    `json:"new"`
	Applied bool   `json:"applied"`
}

// Snapshot 一次成功应用的配置版本
type Snapshot struct {
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	Source    string    `json:"source"`
	AppliedAt time.Time `json:"applied_at"`
}

// ReloadCallback 配置应用后回调
type ReloadCallback func(old, updated *Config)

// Reloader 配置热重载管理器
type Reloader struct {
	mu        sync.RWMutex
	loader    *Loader
	path      string
	interval  time.Duration
	current   *Config
	checksum  string
	lastMod   time.Time
	history   []Snapshot
	callbacks []ReloadCallback
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloaderLogger 设置日志
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

const maxHistory = 10

// NewReloader 创建热重载管理器。loader 的配置路径会被设为 path。
func NewReloader(loader *Loader, path string, current *Config, opts ...ReloaderOption) *Reloader {
	if loader == nil {
		loader = NewLoader()
	}
	r := &Reloader{
		loader:   loader.WithConfigPath(path),
		path:     path,
		interval: 5 * time.Second,
		current:  current.Clone(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))
	r.checksum = checksum(r.current)
	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	}
	r.pushHistory("initial")
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start 开始轮询配置文件
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("reloader already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.poll(ctx, r.done)
	r.logger.Info("config reloader started", zap.String("path", r.path), zap.Duration("interval", r.interval))
	return nil
}

// Stop 停止轮询
func (r *Reloader) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reloader) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(r.path)
			if err != nil {
				continue
			}
			r.mu.RLock()
			changed := info.ModTime().After(r.lastMod)
			r.mu.RUnlock()
			if !changed {
				continue
			}
			if _, err := r.Reload(); err != nil {
				r.logger.Warn("config reload failed", zap.Error(err))
			}
			r.mu.Lock()
			r.lastMod = info.ModTime()
			r.mu.Unlock()
		}
	}
}

// Reload 从文件重新加载配置并应用可热更新的字段。
// 返回检测到的全部变更，Applied 标明是否已生效。
func (r *Reloader) Reload() (changes []Change, err error) {
	loaded, err := r.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if checksum(loaded) == r.checksum {
		return nil, nil
	}

	old := r.current
	changes = diff("", reflect.ValueOf(*old), reflect.ValueOf(*loaded))
	updated := old.Clone()
	applied := 0
	for i := range changes {
		if !IsHotReloadable(changes[i].Path) {
			r.logger.Warn("config change requires restart", zap.String("path", changes[i].Path))
			continue
		}
		changes[i].Applied = true
		applied++
	}
	if applied == 0 {
		r.checksum = checksum(loaded)
		return changes, nil
	}
	applyHot(updated, loaded)

	if err := r.notify(old, updated); err != nil {
		return changes, err
	}
	r.current = updated
	r.checksum = checksum(loaded)
	r.pushHistory(r.path)
	r.logger.Info("config reloaded", zap.Int("applied", applied), zap.Int("changes", len(changes)))
	return changes, nil
}

// notify 执行回调；回调 panic 时保持旧配置
func (r *Reloader) notify(old, updated *Config) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reload callback panicked: %v", p)
			r.logger.Error("config rolled back", zap.Error(err))
			for _, cb := range r.callbacks {
				func() {
					defer func() { _ = recover() }()
					cb(updated, old)
				}()
			}
		}
	}()
	for _, cb := range r.callbacks {
		cb(old, updated)
	}
	return nil
}

func applyHot(dst, src *Config) {
	dst.Log.Level = src.Log.Level
	dst.Memory.Threshold = src.Memory.Threshold
	dst.Memory.Monitors.CapacityThreshold = src.Memory.Monitors.CapacityThreshold
	dst.Memory.Monitors.EmotionThreshold = src.Memory.Monitors.EmotionThreshold
	dst.Server.RateLimitRPS = src.Server.RateLimitRPS
	dst.Server.RateLimitBurst = src.Server.RateLimitBurst
	dst.Extractor.LLM.RequestsPerSecond = src.Extractor.LLM.RequestsPerSecond
}

func (r *Reloader) pushHistory(source string) {
	version := 1
	if n := len(r.history); n > 0 {
		version = r.history[n-1].Version + 1
	}
	r.history = append(r.history, Snapshot{
		Version:   version,
		Checksum:  r.checksum,
		Source:    source,
		AppliedAt: time.Now(),
	})
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
}

// Current 返回当前配置副本
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// History 返回已应用的配置版本
func (r *Reloader) History() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history)
}

// Sanitized 返回脱敏后的当前配置
func (r *Reloader) Sanitized() map[string]any {
	return r.Current().Sanitized()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// Clone 返回配置的深拷贝
func (c *Config) Clone() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	out.Server.CORSAllowedOrigins = slices.Clone(c.Server.CORSAllowedOrigins)
	out.Auth.APIKeys = slices.Clone(c.Auth.APIKeys)
	out.Log.OutputPaths = slices.Clone(c.Log.OutputPaths)
	return &out
}

var sensitiveKeys = []string{"password", "secret", "api_key", "dsn", "uri"}

// Sanitized 返回以 yaml 键组织、敏感字段已脱敏的配置
func (c *Config) Sanitized() map[string]any {
	data, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	redact(out)
	return out
}

func redact(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			redact(nested)
			continue
		}
		if isSensitive(k) && !isZero(v) {
			m[k] = "***"
		}
	}
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map {
		return rv.Len() == 0
	}
	return rv.IsZero()
}

func checksum(c *Config) string {
	data, _ := yaml.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// diff 以 yaml 路径列出两个配置之间的叶子字段差异
func diff(prefix string, oldVal, newVal reflect.Value) []Change {
	var changes []Change
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" || f.Type.Kind() == reflect.Func {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		ov, nv := oldVal.Field(i), newVal.Field(i)
		if f.Type.Kind() == reflect.Struct {
			changes = append(changes, diff(path, ov, nv)...)
			continue
		}
		if !reflect.DeepEqual(ov.Interface(), nv.Interface()) {
			changes = append(changes, Change{Path: path, Old: ov.Interface(), New: nv.Interface()})
		}
	}
	return changes
}
