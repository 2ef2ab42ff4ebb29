package transition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// MonitorFunc 监视器被触发时执行的动作。
type MonitorFunc func(ctx context.Context, sig Signal) error

// Monitor 注册到管理器的规则：信号匹配 Trigger 时调用 Action。
type Monitor struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Trigger  Trigger `json:"trigger"`
	Priority int     `json:"priority"`
	Enabled  bool    `json:"enabled"`

	Action MonitorFunc `json:"-"`
}

// MonitorInfo 监视器的只读视图。
type MonitorInfo struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Trigger  Trigger `json:"trigger"`
	Priority int     `json:"priority"`
	Enabled  bool    `json:"enabled"`
	Active   bool    `json:"active"`
	Fired    int64   `json:"fired"`
}

type registration struct {
	monitor Monitor
	active  bool
	seq     uint64
	fired   int64
}

// Config 管理器配置。
type Config struct {
	// EventBuffer Subscribe 未指定缓冲时的默认大小
	EventBuffer    int           `json:"event_buffer" yaml:"event_buffer"`
	HandlerWorkers int           `json:"handler_workers" yaml:"handler_workers"`
	HandlerQueue   int           `json:"handler_queue" yaml:"handler_queue"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		EventBuffer:    64,
		HandlerWorkers: 4,
		HandlerQueue:   256,
		HandlerTimeout: 30 * time.Second,
	}
}

// Option 配置 Manager。
type Option func(*Manager)

// WithRecorder 设置事件指标记录器。
func WithRecorder(r EventRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// TurnCounters 当前回合计数。
type TurnCounters struct {
	Total         int `json:"total"`
	User          int `json:"user"`
	Assistant     int `json:"assistant"`
	LastUser      int `json:"last_user"`
	LastAssistant int `json:"last_assistant"`
}

// Manager 监视器注册表与信号派发器，是唯一跨层移动记忆的组件。
// 它本身不持有记忆单元。
type Manager struct {
	mu       sync.Mutex
	monitors map[string]*registration
	seq      uint64
	state    turnState

	timers  map[string]*timerHandle
	running bool
	runCtx  context.Context

	bus      *bus
	config   Config
	recorder EventRecorder
	logger   *zap.Logger
}

// NewManager 创建转移管理器。
func NewManager(config Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.HandlerWorkers <= 0 {
		config.HandlerWorkers = defaults.HandlerWorkers
	}
	if config.HandlerQueue <= 0 {
		config.HandlerQueue = defaults.HandlerQueue
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	m := &Manager{
		monitors: make(map[string]*registration),
		timers:   make(map[string]*timerHandle),
		config:   config,
		recorder: nopEventRecorder{},
		logger:   logger.With(zap.String("component", "transition_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus = newBus(config, m.recorder, m.logger)
	return m
}

// RegisterMonitor 注册监视器。新注册的监视器处于未激活状态，需调用 StartMonitoring。
func (m *Manager) RegisterMonitor(monitor Monitor) error {
	if monitor.ID == "" {
		return types.NewValidationError("monitor id is required")
	}
	if monitor.Action == nil {
		return types.NewValidationError("monitor %q has no action", monitor.ID)
	}
	if err := monitor.Trigger.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.monitors[monitor.ID]; exists {
		return types.NewValidationError("monitor %q already registered", monitor.ID)
	}
	m.seq++
	m.monitors[monitor.ID] = &registration{monitor: monitor, seq: m.seq}
	m.logger.Debug("monitor registered",
		zap.String("monitor", monitor.ID),
		zap.String("trigger", string(monitor.Trigger.Type)),
		zap.Int("priority", monitor.Priority))
	return nil
}

// UnregisterMonitor 注销监视器并取消其定时器。
func (m *Manager) UnregisterMonitor(id string) error {
	m.mu.Lock()
	if _, ok := m.monitors[id]; !ok {
		m.mu.Unlock()
		return types.NewNotFoundError("monitor", id)
	}
	delete(m.monitors, id)
	t := m.detachTimerLocked(id)
	m.mu.Unlock()

	t.stop()
	m.logger.Debug("monitor unregistered", zap.String("monitor", id))
	return nil
}

// StartMonitoring 激活监视器。管理器运行中时，TIME_INTERVAL 监视器立即开始计时。
func (m *Manager) StartMonitoring(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.monitors[id]
	if !ok {
		return types.NewNotFoundError("monitor", id)
	}
	reg.active = true
	if m.running {
		m.startTimerLocked(reg)
	}
	return nil
}

// StopMonitoring 停用监视器并取消其定时器。
func (m *Manager) StopMonitoring(id string) error {
	m.mu.Lock()
	reg, ok := m.monitors[id]
	if !ok {
		m.mu.Unlock()
		return types.NewNotFoundError("monitor", id)
	}
	reg.active = false
	t := m.detachTimerLocked(id)
	m.mu.Unlock()

	t.stop()
	return nil
}

// SetEnabled 切换监视器的启用标志。
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.monitors[id]
	if !ok {
		return types.NewNotFoundError("monitor", id)
	}
	reg.monitor.Enabled = enabled
	return nil
}

// SetThreshold 修改阈值类触发器的阈值。
func (m *Manager) SetThreshold(id string, threshold float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.monitors[id]
	if !ok {
		return types.NewNotFoundError("monitor", id)
	}
	switch reg.monitor.Trigger.Type {
	case TriggerCapacityThreshold, TriggerEmotionPeak:
	default:
		return types.NewValidationError("monitor %q has no threshold trigger", id)
	}
	trig := reg.monitor.Trigger
	trig.Threshold = threshold
	if err := trig.Validate(); err != nil {
		return err
	}
	reg.monitor.Trigger = trig
	return nil
}

// Monitors 按优先级返回所有监视器。
func (m *Manager) Monitors() []MonitorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.sortedLocked(func(*registration) bool { return true })
	out := make([]MonitorInfo, 0, len(regs))
	for _, r := range regs {
		out = append(out, MonitorInfo{
			ID:       r.monitor.ID,
			Name:     r.monitor.Name,
			Trigger:  r.monitor.Trigger,
			Priority: r.monitor.Priority,
			Enabled:  r.monitor.Enabled,
			Active:   r.active,
			Fired:    r.fired,
		})
	}
	return out
}

// Start 启动所有已激活 TIME_INTERVAL 监视器的定时器。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("transition manager already running")
	}
	m.running = true
	m.runCtx = ctx
	for _, reg := range m.monitors {
		if reg.active {
			m.startTimerLocked(reg)
		}
	}
	m.logger.Info("transition manager started", zap.Int("monitors", len(m.monitors)))
	return nil
}

// Stop 取消所有定时器并把回合计数清零。这是唯一的全局重置点。
func (m *Manager) Stop() {
	m.mu.Lock()
	handles := make([]*timerHandle, 0, len(m.timers))
	for id := range m.timers {
		handles = append(handles, m.detachTimerLocked(id))
	}
	m.running = false
	m.runCtx = nil
	m.state = turnState{}
	m.mu.Unlock()

	for _, t := range handles {
		t.stop()
	}
	m.logger.Info("transition manager stopped")
}

// Close 停止管理器并关闭事件总线。
func (m *Manager) Close() {
	m.Stop()
	m.bus.close()
}

// Running 返回管理器是否在运行。
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Turns 返回回合计数。
func (m *Manager) Turns() TurnCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TurnCounters{
		Total:         m.state.total,
		User:          m.state.user,
		Assistant:     m.state.assistant,
		LastUser:      m.state.lastUser,
		LastAssistant: m.state.lastAssistant,
	}
}

// OnUserTurnEnd 记录一个用户回合并同步派发，返回被触发的监视器 ID。
func (m *Manager) OnUserTurnEnd(ctx context.Context) []string {
	return m.Signal(ctx, Signal{Type: TriggerUserTurnEnd, Role: types.RoleUser})
}

// OnAssistantTurnEnd 记录一个助手回合并同步派发。
func (m *Manager) OnAssistantTurnEnd(ctx context.Context) []string {
	return m.Signal(ctx, Signal{Type: TriggerAssistantTurnEnd, Role: types.RoleAssistant})
}

// Signal 派发一个信号：选出所有已启用、已激活且匹配的监视器，
// 按优先级从高到低依次同步调用。
func (m *Manager) Signal(ctx context.Context, sig Signal) []string {
	if sig.At.IsZero() {
		sig.At = m.config.Now()
	}

	m.mu.Lock()
	m.state.observe(sig)
	regs := m.sortedLocked(func(r *registration) bool {
		return r.active && r.monitor.Enabled && matches(r.monitor.Trigger, r.monitor.ID, sig, &m.state)
	})
	monitors := make([]Monitor, len(regs))
	for i, r := range regs {
		monitors[i] = r.monitor
	}
	m.mu.Unlock()

	if len(monitors) == 0 {
		return nil
	}
	fired := make([]string, 0, len(monitors))
	for _, mon := range monitors {
		if err := ctx.Err(); err != nil {
			m.logger.Debug("dispatch cancelled", zap.Error(err))
			break
		}
		err := m.invoke(ctx, mon, sig)
		m.markFired(mon.ID)
		fired = append(fired, mon.ID)

		event := Event{Type: EventMonitorFired, MonitorID: mon.ID, UnitID: sig.UnitID,
			Reason: string(sig.Type)}
		if err != nil {
			event.Type = EventMonitorFailed
			event.Data = map[string]any{"error": err.Error()}
		}
		m.EmitEvent(ctx, event)
	}
	return fired
}

// invoke 调用监视器动作，panic 与错误只记录，不向派发方传播。
func (m *Manager) invoke(ctx context.Context, mon Monitor, sig Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor %s panicked: %v", mon.ID, r)
			m.logger.Error("monitor panicked", zap.String("monitor", mon.ID), zap.Any("recover", r))
		}
		m.recorder.RecordMonitorFired(mon.ID, err == nil)
	}()

	if err = mon.Action(ctx, sig); err != nil {
		m.logger.Warn("monitor action failed",
			zap.String("monitor", mon.ID),
			zap.String("signal", string(sig.Type)),
			zap.Error(err))
	}
	return err
}

func (m *Manager) markFired(id string) {
	m.mu.Lock()
	if reg, ok := m.monitors[id]; ok {
		reg.fired++
	}
	m.mu.Unlock()
}

// RegisterHandler 为某类事件注册处理器，返回注销函数。
func (m *Manager) RegisterHandler(eventType EventType, handler EventHandler) func() {
	return m.bus.register(eventType, handler)
}

// Subscribe 订阅全部事件。buffer <= 0 时使用默认缓冲。
// 订阅者消费过慢时事件会被丢弃并计数。
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = m.config.EventBuffer
	}
	return m.bus.subscribe(buffer)
}

// EmitEvent 发布事件。
func (m *Manager) EmitEvent(ctx context.Context, event Event) {
	m.bus.publish(ctx, newEvent(event, m.config.Now()))
}

// DroppedEvents 返回因订阅者或处理队列已满而丢弃的事件数。
func (m *Manager) DroppedEvents() int64 {
	return m.bus.dropped.Load()
}

func (m *Manager) sortedLocked(keep func(*registration) bool) []*registration {
	var regs []*registration
	for _, r := range m.monitors {
		if keep(r) {
			regs = append(regs, r)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].monitor.Priority != regs[j].monitor.Priority {
			return regs[i].monitor.Priority > regs[j].monitor.Priority
		}
		return regs[i].seq < regs[j].seq
	})
	return regs
}
