package transition

import (
	"context"
	"time"

	"github.com/BaSui01/agentmemory/types"
)

// 内置监视器 ID
const (
	MonitorCapacityPressure = "builtin.capacity-pressure"
	MonitorEmotionPeak      = "builtin.emotion-peak"
	MonitorGoalCompletion   = "builtin.goal-completion"
	MonitorPeriodicCleanup  = "builtin.periodic-cleanup"
)

// Consolidator 可执行一次整体巩固的记忆层。
type Consolidator interface {
	ConsolidateAll(ctx context.Context) (int, error)
}

// CleanupFunc 执行一次清理，返回移除的单元数。
type CleanupFunc func(ctx context.Context) (int, error)

// CapacityPressureMonitor 工作记忆使用率达到 threshold 时执行一次阈值扫描。
func CapacityPressureMonitor(m *Manager, ev *ThresholdEvaluator, threshold float64) Monitor {
	return Monitor{
		ID:       MonitorCapacityPressure,
		Name:     "capacity pressure",
		Trigger:  Trigger{Type: TriggerCapacityThreshold, Threshold: threshold},
		Priority: 100,
		Enabled:  true,
		Action: func(ctx context.Context, sig Signal) error {
			m.EmitEvent(ctx, Event{
				Type:   EventCapacity,
				From:   types.MemoryWorking,
				Reason: ReasonCapacity,
				Data:   map[string]any{"usage": sig.Value},
			})
			_, err := ev.Evaluate(ctx)
			return err
		},
	}
}

// EmotionPeakMonitor 把情绪显著的工作记忆单元晋升到情景记忆。
func EmotionPeakMonitor(ev *ThresholdEvaluator, threshold float64) Monitor {
	return Monitor{
		ID:       MonitorEmotionPeak,
		Name:     "emotion peak",
		Trigger:  Trigger{Type: TriggerEmotionPeak, Threshold: threshold},
		Priority: 90,
		Enabled:  true,
		Action: func(ctx context.Context, sig Signal) error {
			if sig.UnitID == "" {
				return nil
			}
			err := ev.Promote(ctx, sig.UnitID, types.MemoryEpisodic, ReasonEmotionPeak)
			if types.IsNotFound(err) {
				// 单元已被其他监视器移走
				return nil
			}
			return err
		},
	}
}

// GoalCompletionMonitor 目标完成时对情景记忆做一次巩固。
func GoalCompletionMonitor(m *Manager, c Consolidator) Monitor {
	return Monitor{
		ID:       MonitorGoalCompletion,
		Name:     "goal completion",
		Trigger:  Trigger{Type: TriggerGoalCompletion},
		Priority: 50,
		Enabled:  true,
		Action: func(ctx context.Context, sig Signal) error {
			groups, err := c.ConsolidateAll(ctx)
			if err != nil {
				return err
			}
			m.EmitEvent(ctx, Event{
				Type:   EventConsolidation,
				UnitID: sig.UnitID,
				From:   types.MemoryEpisodic,
				To:     types.MemoryEpisodic,
				Reason: string(TriggerGoalCompletion),
				Data:   map[string]any{"groups": groups},
			})
			return nil
		},
	}
}

// PeriodicCleanupMonitor 每 interval 执行一次 cleanup。
func PeriodicCleanupMonitor(m *Manager, interval time.Duration, cleanup CleanupFunc) Monitor {
	return Monitor{
		ID:       MonitorPeriodicCleanup,
		Name:     "periodic cleanup",
		Trigger:  Every(interval),
		Priority: 10,
		Enabled:  true,
		Action: func(ctx context.Context, _ Signal) error {
			removed, err := cleanup(ctx)
			m.EmitEvent(ctx, Event{
				Type:   EventCleanup,
				Reason: string(TriggerTimeInterval),
				Data:   map[string]any{"removed": removed},
			})
			return err
		},
	}
}
