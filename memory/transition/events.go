package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentmemory/internal/pool"
	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType 事件类型
type EventType string

const (
	EventMonitorFired  EventType = "MONITOR_FIRED"
	EventMonitorFailed EventType = "MONITOR_FAILED"
	EventPromotion     EventType = "PROMOTION"
	EventConsolidation EventType = "CONSOLIDATION"
	EventCleanup       EventType = "CLEANUP"
	EventCapacity      EventType = "CAPACITY_PRESSURE"
)

// Event 转移事件。
type Event struct {
	ID        string               `json:"id"`
	Type      EventType            `json:"type"`
	MonitorID string               `json:"monitor_id,omitempty"`
	UnitID    string               `json:"unit_id,omitempty"`
	From      types.MemoryCategory `json:"from,omitempty"`
	To        types.MemoryCategory `json:"to,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
	Data      map[string]any       `json:"data,omitempty"`
}

// EventHandler 按事件类型注册的处理器，在工作池中异步执行。
type EventHandler func(ctx context.Context, event Event) error

// EventRecorder 接收事件相关指标。
type EventRecorder interface {
	RecordEvent(eventType string)
	RecordEventDropped(reason string)
	RecordMonitorFired(monitorID string, ok bool)
}

type nopEventRecorder struct{}

func (nopEventRecorder) RecordEvent(string)              {}
func (nopEventRecorder) RecordEventDropped(string)       {}
func (nopEventRecorder) RecordMonitorFired(string, bool) {}

// bus 事件总线：广播给订阅者（非阻塞，满则丢弃），
// 并把按类型注册的处理器提交到工作池，派发方不会被慢处理器阻塞。
type bus struct {
	mu          sync.RWMutex
	handlers    map[EventType]map[uint64]EventHandler
	subscribers map[uint64]chan Event
	nextID      atomic.Uint64
	dropped     atomic.Int64
	closed      bool

	workers  *pool.Pool
	recorder EventRecorder
	logger   *zap.Logger
}

func newBus(cfg Config, recorder EventRecorder, logger *zap.Logger) *bus {
	b := &bus{
		handlers:    make(map[EventType]map[uint64]EventHandler),
		subscribers: make(map[uint64]chan Event),
		recorder:    recorder,
		logger:      logger,
	}
	b.workers = pool.New(pool.Config{
		Workers:     cfg.HandlerWorkers,
		QueueSize:   cfg.HandlerQueue,
		TaskTimeout: cfg.HandlerTimeout,
		PanicHandler: func(name string, r any) {
			logger.Error("event handler panicked", zap.String("handler", name), zap.Any("recover", r))
		},
		ErrorHandler: func(name string, err error) {
			logger.Warn("event handler failed", zap.String("handler", name), zap.Error(err))
		},
	})
	return b
}

func (b *bus) register(eventType EventType, handler EventHandler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]EventHandler)
	}
	b.handlers[eventType][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[eventType], id)
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
		})
	}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	id := b.nextID.Add(1)
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *bus) publish(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.recorder.RecordEvent(string(event.Type))

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.recorder.RecordEventDropped("subscriber_full")
		}
	}

	// 处理器不继承派发方的取消
	hctx := context.WithoutCancel(ctx)
	for id, h := range b.handlers[event.Type] {
		handler := h
		name := fmt.Sprintf("%s-%d", event.Type, id)
		err := b.workers.TrySubmit(hctx, name, func(ctx context.Context) error {
			return handler(ctx, event)
		})
		if err != nil {
			b.dropped.Add(1)
			reason := "handler_queue_full"
			if errors.Is(err, pool.ErrPoolClosed) {
				reason = "closed"
			}
			b.recorder.RecordEventDropped(reason)
			b.logger.Warn("event handler dropped", zap.String("handler", name), zap.Error(err))
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
	b.workers.Close()
}

func newEvent(event Event, now time.Time) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = now
	}
	return event
}
