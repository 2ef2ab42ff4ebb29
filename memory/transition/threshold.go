package transition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// 晋升原因
const (
	ReasonAccessCount     = "access_count"
	ReasonAge             = "age"
	ReasonCapacity        = "capacity"
	ReasonImportance      = "importance"
	ReasonContextSwitches = "context_switches"
	ReasonEmotionPeak     = "emotion_peak"
	ReasonManual          = "manual"
)

// WorkingSource 阈值评估器扫描的工作记忆。
type WorkingSource interface {
	RetrieveAll() []*types.MemoryUnit
	Take(id string) (*types.MemoryUnit, bool)
	Add(ctx context.Context, unit *types.MemoryUnit) error
	Usage() float64
}

// ThresholdConfig 晋升阈值。
type ThresholdConfig struct {
	AccessCount      int           `json:"access_count" yaml:"access_count"`
	Age              time.Duration `json:"age" yaml:"age"`
	CapacityUsage    float64       `json:"capacity_usage" yaml:"capacity_usage"`
	Importance       float64       `json:"importance" yaml:"importance"`
	ContextSwitches  int           `json:"context_switches" yaml:"context_switches"`
	// FallbackFraction 容量超限时晋升最旧单元的比例
	FallbackFraction float64       `json:"fallback_fraction" yaml:"fallback_fraction"`
	ScanInterval     time.Duration `json:"scan_interval" yaml:"scan_interval"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultThresholdConfig 返回默认阈值。
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		AccessCount:      5,
		Age:              10 * time.Minute,
		CapacityUsage:    0.8,
		Importance:       0.7,
		ContextSwitches:  3,
		FallbackFraction: 0.2,
		ScanInterval:     time.Minute,
	}
}

// ThresholdEvaluator 周期性扫描工作记忆，把越过阈值的单元晋升到目标层。
type ThresholdEvaluator struct {
	cfg     atomic.Pointer[ThresholdConfig]
	source  WorkingSource
	targets map[types.MemoryCategory]memory.Sink
	manager *Manager

	scanning atomic.Bool

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}

	logger *zap.Logger
}

// NewThresholdEvaluator 创建阈值评估器。manager 为 nil 时不发出事件。
func NewThresholdEvaluator(
	config ThresholdConfig,
	source WorkingSource,
	targets map[types.MemoryCategory]memory.Sink,
	manager *Manager,
	logger *zap.Logger,
) *ThresholdEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &ThresholdEvaluator{
		source:  source,
		targets: targets,
		manager: manager,
		logger:  logger.With(zap.String("component", "threshold_evaluator")),
	}
	e.cfg.Store(withDefaults(config))
	return e
}

func withDefaults(config ThresholdConfig) *ThresholdConfig {
	defaults := DefaultThresholdConfig()
	if config.AccessCount <= 0 {
		config.AccessCount = defaults.AccessCount
	}
	if config.Age <= 0 {
		config.Age = defaults.Age
	}
	if config.CapacityUsage <= 0 {
		config.CapacityUsage = defaults.CapacityUsage
	}
	if config.Importance <= 0 {
		config.Importance = defaults.Importance
	}
	if config.ContextSwitches <= 0 {
		config.ContextSwitches = defaults.ContextSwitches
	}
	if config.FallbackFraction <= 0 || config.FallbackFraction > 1 {
		config.FallbackFraction = defaults.FallbackFraction
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &config
}

func (e *ThresholdEvaluator) settings() *ThresholdConfig { return e.cfg.Load() }

// SetConfig 替换阈值。未设置 Now 时沿用当前时钟；ScanInterval 在下次 Start 时生效。
func (e *ThresholdEvaluator) SetConfig(config ThresholdConfig) {
	if config.Now == nil {
		config.Now = e.settings().Now
	}
	applied := withDefaults(config)
	e.cfg.Store(applied)
	e.logger.Info("thresholds updated",
		zap.Int("access_count", applied.AccessCount),
		zap.Float64("capacity_usage", applied.CapacityUsage))
}

// Config 返回当前生效的阈值。
func (e *ThresholdEvaluator) Config() ThresholdConfig { return *e.settings() }

type candidate struct {
	unit   *types.MemoryUnit
	reason string
}

// Evaluate 扫描一次工作记忆并晋升所有候选单元。
// 候选集合在晋升前一次性取出，扫描进行中时再次调用直接返回。
func (e *ThresholdEvaluator) Evaluate(ctx context.Context) (int, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		e.logger.Debug("scan already in progress, skipping")
		return 0, nil
	}
	defer e.scanning.Store(false)

	candidates := e.collect()
	promoted := 0
	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.Promote(ctx, c.unit.ID, e.TargetTier(c.unit), c.reason); err != nil {
			if types.IsNotFound(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		promoted++
	}
	if promoted > 0 {
		e.logger.Info("threshold scan promoted units", zap.Int("promoted", promoted))
	}
	return promoted, errors.Join(errs...)
}

func (e *ThresholdEvaluator) collect() []candidate {
	units := e.source.RetrieveAll()
	now := e.settings().Now()

	var out []candidate
	seen := make(map[string]bool)
	for _, u := range units {
		if reason := e.reason(u, now); reason != "" {
			out = append(out, candidate{unit: u, reason: reason})
			seen[u.ID] = true
		}
	}

	if e.source.Usage() >= e.settings().CapacityUsage && len(units) > 0 {
		oldest := make([]*types.MemoryUnit, 0, len(units))
		for _, u := range units {
			if !seen[u.ID] {
				oldest = append(oldest, u)
			}
		}
		sort.SliceStable(oldest, func(i, j int) bool {
			return oldest[i].Timestamp.Before(oldest[j].Timestamp)
		})
		n := int(math.Ceil(float64(len(units)) * e.settings().FallbackFraction))
		n -= len(out)
		for i := 0; i < n && i < len(oldest); i++ {
			out = append(out, candidate{unit: oldest[i], reason: ReasonCapacity})
		}
	}
	return out
}

func (e *ThresholdEvaluator) reason(u *types.MemoryUnit, now time.Time) string {
	switch {
	case u.AccessCount >= e.settings().AccessCount:
		return ReasonAccessCount
	case u.Metadata.Importance >= e.settings().Importance:
		return ReasonImportance
	case u.Metadata.ContextSwitches >= e.settings().ContextSwitches:
		return ReasonContextSwitches
	case now.Sub(u.Timestamp) >= e.settings().Age:
		return ReasonAge
	}
	return ""
}

// TargetTier 按元数据决定晋升目标层：
// 时间/空间标记进入情景记忆，概念/关系标记或重要度达到阈值进入语义记忆，
// 过程/步骤标记进入程序记忆，其余默认语义记忆。
func (e *ThresholdEvaluator) TargetTier(u *types.MemoryUnit) types.MemoryCategory {
	meta := u.Metadata
	if ep := meta.Episodic; ep != nil && (ep.HasTemporal || ep.HasSpatial || ep.Location != "") {
		return types.MemoryEpisodic
	}
	if u.Episode() != nil {
		return types.MemoryEpisodic
	}
	if sm := meta.Semantic; sm != nil && (len(sm.Concepts) > 0 || len(sm.Relations) > 0) {
		return types.MemorySemantic
	}
	if meta.Importance >= e.settings().Importance {
		return types.MemorySemantic
	}
	if pm := meta.Procedural; pm != nil && (pm.Procedure != "" || len(pm.Steps) > 0) {
		return types.MemoryProcedural
	}
	return types.MemorySemantic
}

// Promote 把工作记忆中的单元移入目标层，ID 保持不变。
// 目标层拒收时单元放回工作记忆。
func (e *ThresholdEvaluator) Promote(ctx context.Context, id string, target types.MemoryCategory, reason string) error {
	if target == types.MemoryWorking || !target.Valid() {
		return types.NewValidationError("cannot promote to tier %q", target)
	}
	sink, ok := e.targets[target]
	if !ok || sink == nil {
		return types.NewValidationError("no %s tier configured", target)
	}
	original, ok := e.source.Take(id)
	if !ok {
		return types.NewNotFoundError("working memory unit", id)
	}

	now := e.settings().Now()
	unit := original.Clone()
	memory.MarkPromoted(unit, target, now)
	if err := sink.Accept(ctx, unit); err != nil {
		if restoreErr := e.source.Add(ctx, original); restoreErr != nil {
			e.logger.Error("restore after failed promotion failed",
				zap.String("id", id), zap.Error(restoreErr))
			err = errors.Join(err, restoreErr)
		}
		return fmt.Errorf("promote %s to %s: %w", id, target, err)
	}

	e.logger.Debug("unit promoted",
		zap.String("id", id),
		zap.String("to", string(target)),
		zap.String("reason", reason))
	if e.manager != nil {
		e.manager.EmitEvent(ctx, Event{
			Type:   EventPromotion,
			UnitID: id,
			From:   types.MemoryWorking,
			To:     target,
			Reason: reason,
			At:     now,
		})
	}
	return nil
}

// Start 启动周期扫描，直到 Stop 或 ctx 取消。
func (e *ThresholdEvaluator) Start(ctx context.Context) error {
	e.loopMu.Lock()
	if e.running {
		e.loopMu.Unlock()
		return fmt.Errorf("threshold evaluator already running")
	}
	e.stopCh = make(chan struct{})
	e.running = true
	stopCh := e.stopCh
	e.loopMu.Unlock()

	go e.run(ctx, stopCh)
	return nil
}

// Stop 停止周期扫描。
func (e *ThresholdEvaluator) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
	e.running = false
}

func (e *ThresholdEvaluator) run(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(e.settings().ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Evaluate(ctx); err != nil {
				e.logger.Warn("threshold scan failed", zap.Error(err))
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			e.loopMu.Lock()
			e.running = false
			e.loopMu.Unlock()
			return
		}
	}
}
