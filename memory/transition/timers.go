package transition

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// timerHandle 单个 TIME_INTERVAL 监视器的定时器，可按 ID 单独取消。
type timerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// stop 取消定时器。不等待 goroutine 退出，监视器动作内部也可以安全调用。nil 安全。
func (t *timerHandle) stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// startTimerLocked 为已激活的 TIME_INTERVAL 监视器创建定时器。调用方持有 m.mu。
func (m *Manager) startTimerLocked(reg *registration) {
	trig := reg.monitor.Trigger
	if trig.Type != TriggerTimeInterval {
		return
	}
	if _, exists := m.timers[reg.monitor.ID]; exists {
		return
	}
	base := m.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	t := &timerHandle{cancel: cancel, done: make(chan struct{})}
	m.timers[reg.monitor.ID] = t

	go m.runTimer(ctx, t, reg.monitor.ID, trig)
}

// detachTimerLocked 从表中移除定时器，由调用方在释放锁后 stop。
func (m *Manager) detachTimerLocked(id string) *timerHandle {
	t, ok := m.timers[id]
	if !ok {
		return nil
	}
	delete(m.timers, id)
	return t
}

func (m *Manager) runTimer(ctx context.Context, t *timerHandle, monitorID string, trig Trigger) {
	defer close(t.done)

	for {
		wait, err := m.nextDelay(trig)
		if err != nil {
			m.logger.Error("timer schedule failed", zap.String("monitor", monitorID), zap.Error(err))
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Signal(ctx, Signal{Type: TriggerTimeInterval, MonitorID: monitorID})
		}
	}
}

// nextDelay 返回距下一次触发的等待时间。
func (m *Manager) nextDelay(trig Trigger) (time.Duration, error) {
	if trig.Cron == "" {
		return trig.Interval, nil
	}
	now := m.config.Now()
	next, err := NextCronTick(trig.Cron, now)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}

// NextCronTick 返回 expr 在 after 之后的下一次触发时间。
func NextCronTick(expr string, after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, after, false)
}
