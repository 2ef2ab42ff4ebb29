package transition

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timerCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func TestManager_IntervalTimerFiresUntilStopped(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	var ticks atomic.Int32
	require.NoError(t, m.RegisterMonitor(Monitor{ID: "tick", Trigger: Every(5 * time.Millisecond), Enabled: true,
		Action: func(_ context.Context, sig Signal) error {
			if sig.MonitorID == "tick" {
				ticks.Add(1)
			}
			return nil
		}}))
	require.NoError(t, m.StartMonitoring("tick"))
	assert.Zero(t, timerCount(m), "timers start with the manager")

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))
	assert.Equal(t, 1, timerCount(m))
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.StopMonitoring("tick"))
	assert.Zero(t, timerCount(m))
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load())

	require.NoError(t, m.StartMonitoring("tick"))
	assert.Equal(t, 1, timerCount(m))
	m.Stop()
	assert.Zero(t, timerCount(m))
}

func TestManager_UnregisterCancelsTimer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Start(ctx))

	register(t, m, Monitor{ID: "tick", Trigger: Every(time.Hour), Enabled: true, Action: noop})
	m.mu.Lock()
	handle := m.timers["tick"]
	m.mu.Unlock()
	require.NotNil(t, handle)

	require.NoError(t, m.UnregisterMonitor("tick"))
	select {
	case <-handle.done:
	case <-time.After(time.Second):
		t.Fatal("timer goroutine still running")
	}
	assert.Zero(t, timerCount(m))
}

func TestManager_TimerSignalsOnlyReachOwner(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	register(t, m, Monitor{ID: "a", Trigger: Every(time.Hour), Enabled: true, Action: noop})
	register(t, m, Monitor{ID: "b", Trigger: Every(time.Hour), Enabled: true, Action: noop})

	assert.Equal(t, []string{"b"}, m.Signal(ctx, Signal{Type: TriggerTimeInterval, MonitorID: "b"}))
}

func TestNextCronTick(t *testing.T) {
	after := time.Date(2026, 3, 1, 9, 1, 30, 0, time.UTC)
	next, err := NextCronTick("*/5 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC), next)

	assert.NoError(t, OnCron("0 3 * * *").Validate())
	assert.Error(t, Trigger{Type: TriggerTimeInterval, Interval: time.Second, Cron: "* * * * *"}.Validate())
}
