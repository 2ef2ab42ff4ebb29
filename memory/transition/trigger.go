package transition

import (
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/adhocore/gronx"
)

// TriggerType 触发器类型
type TriggerType string

const (
	TriggerTimeInterval      TriggerType = "TIME_INTERVAL"
	TriggerTurnCount         TriggerType = "TURN_COUNT"
	TriggerUserTurnEnd       TriggerType = "USER_TURN_END"
	TriggerAssistantTurnEnd  TriggerType = "ASSISTANT_TURN_END"
	TriggerCapacityThreshold TriggerType = "CAPACITY_THRESHOLD"
	TriggerContextChange     TriggerType = "CONTEXT_CHANGE"
	TriggerEmotionPeak       TriggerType = "EMOTION_PEAK"
	TriggerGoalCompletion    TriggerType = "GOAL_COMPLETION"
	TriggerComposite         TriggerType = "COMPOSITE"
)

// Operator 组合触发器的逻辑运算
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// Trigger 描述监视器在什么信号下触发。
// 不同类型只使用与之相关的字段：
//   - TIME_INTERVAL: Interval 或 Cron（二选一）
//   - TURN_COUNT: Count，可选 Roles
//   - CAPACITY_THRESHOLD / EMOTION_PEAK: Threshold
//   - COMPOSITE: Operator + Children
type Trigger struct {
	Type      TriggerType   `json:"type" yaml:"type"`
	Interval  time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron      string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Count     int           `json:"count,omitempty" yaml:"count,omitempty"`
	Roles     []types.Role  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Threshold float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Operator  Operator      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Children  []Trigger     `json:"children,omitempty" yaml:"children,omitempty"`
}

// Every 返回固定间隔触发器。
func Every(d time.Duration) Trigger { return Trigger{Type: TriggerTimeInterval, Interval: d} }

// OnCron 返回 cron 表达式触发器。
func OnCron(expr string) Trigger { return Trigger{Type: TriggerTimeInterval, Cron: expr} }

// EveryTurns 返回回合计数触发器。
func EveryTurns(count int, roles ...types.Role) Trigger {
	return Trigger{Type: TriggerTurnCount, Count: count, Roles: roles}
}

// All 返回 AND 组合触发器。
func All(children ...Trigger) Trigger {
	return Trigger{Type: TriggerComposite, Operator: OperatorAnd, Children: children}
}

// Any 返回 OR 组合触发器。
func Any(children ...Trigger) Trigger {
	return Trigger{Type: TriggerComposite, Operator: OperatorOr, Children: children}
}

// Validate 校验触发器配置。
func (t Trigger) Validate() error {
	return t.validate(false)
}

func (t Trigger) validate(nested bool) error {
	switch t.Type {
	case TriggerTimeInterval:
		if nested {
			return types.NewValidationError("TIME_INTERVAL cannot be nested in a composite trigger")
		}
		if (t.Interval > 0) == (t.Cron != "") {
			return types.NewValidationError("TIME_INTERVAL needs exactly one of interval or cron")
		}
		if t.Cron != "" && !gronx.New().IsValid(t.Cron) {
			return types.NewValidationError("invalid cron expression %q", t.Cron)
		}
	case TriggerTurnCount:
		if t.Count <= 0 {
			return types.NewValidationError("TURN_COUNT needs a positive count, got %d", t.Count)
		}
		for _, r := range t.Roles {
			if r != types.RoleUser && r != types.RoleAssistant {
				return types.NewValidationError("TURN_COUNT role %q not supported", r)
			}
		}
	case TriggerCapacityThreshold, TriggerEmotionPeak:
		if t.Threshold <= 0 || t.Threshold > 1 {
			return types.NewValidationError("%s threshold %v out of range (0, 1]", t.Type, t.Threshold)
		}
	case TriggerUserTurnEnd, TriggerAssistantTurnEnd, TriggerContextChange, TriggerGoalCompletion:
	case TriggerComposite:
		if t.Operator != OperatorAnd && t.Operator != OperatorOr {
			return types.NewValidationError("unknown composite operator %q", t.Operator)
		}
		if len(t.Children) == 0 {
			return types.NewValidationError("composite trigger has no children")
		}
		for _, c := range t.Children {
			if err := c.validate(true); err != nil {
				return err
			}
		}
	default:
		return types.NewValidationError("unknown trigger type %q", t.Type)
	}
	return nil
}

// Signal 一次可以激活监视器的离散事件。
type Signal struct {
	Type TriggerType `json:"type"`
	// Role 回合结束信号的角色
	Role types.Role `json:"role,omitempty"`
	// Value 容量使用率或情绪峰值，0..1
	Value float64 `json:"value,omitempty"`
	// UnitID 引发信号的记忆单元
	UnitID string `json:"unit_id,omitempty"`
	// MonitorID 定时器信号只投递给所属监视器
	MonitorID string         `json:"monitor_id,omitempty"`
	Context   string         `json:"context,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// turnState 回合计数与最近一次信号的取值。
// 回合序号是全局的：第 n 个回合无论角色都记为 n。
type turnState struct {
	total         int
	user          int
	assistant     int
	lastUser      int
	lastAssistant int
	lastRole      types.Role
	capacity      float64
	emotion       float64
}

// observe 在匹配之前把信号计入状态。
func (s *turnState) observe(sig Signal) {
	switch sig.Type {
	case TriggerUserTurnEnd:
		s.total++
		s.user++
		s.lastUser = s.total
		s.lastRole = types.RoleUser
	case TriggerAssistantTurnEnd:
		s.total++
		s.assistant++
		s.lastAssistant = s.total
		s.lastRole = types.RoleAssistant
	case TriggerCapacityThreshold:
		s.capacity = sig.Value
	case TriggerEmotionPeak:
		s.emotion = sig.Value
	}
}

func isTurnSignal(t TriggerType) bool {
	return t == TriggerUserTurnEnd || t == TriggerAssistantTurnEnd
}

// matches 判断触发器是否被当前信号激活。
func matches(t Trigger, monitorID string, sig Signal, st *turnState) bool {
	switch t.Type {
	case TriggerTimeInterval:
		return sig.Type == TriggerTimeInterval && sig.MonitorID == monitorID
	case TriggerTurnCount:
		return isTurnSignal(sig.Type) && turnCountHolds(t, st)
	case TriggerCapacityThreshold, TriggerEmotionPeak:
		return sig.Type == t.Type && sig.Value >= t.Threshold
	case TriggerComposite:
		if t.Operator == OperatorOr {
			for _, c := range t.Children {
				if matches(c, monitorID, sig, st) {
					return true
				}
			}
			return false
		}
		// AND：所有子条件成立，且至少一个由本次信号直接激活
		direct := false
		for _, c := range t.Children {
			if matches(c, monitorID, sig, st) {
				direct = true
				continue
			}
			if !holds(c, st) {
				return false
			}
		}
		return direct
	default:
		return sig.Type == t.Type
	}
}

// holds 判断不依赖当前信号、仅凭已记录状态是否成立。
func holds(t Trigger, st *turnState) bool {
	switch t.Type {
	case TriggerTurnCount:
		return turnCountHolds(t, st)
	case TriggerUserTurnEnd:
		return st.lastRole == types.RoleUser
	case TriggerAssistantTurnEnd:
		return st.lastRole == types.RoleAssistant
	case TriggerCapacityThreshold:
		return st.capacity >= t.Threshold
	case TriggerEmotionPeak:
		return st.emotion >= t.Threshold
	case TriggerComposite:
		if t.Operator == OperatorOr {
			for _, c := range t.Children {
				if holds(c, st) {
					return true
				}
			}
			return false
		}
		for _, c := range t.Children {
			if !holds(c, st) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// turnCountHolds 无角色时每 Count 个回合成立；指定角色时，
// 该角色最后回合与另一角色最后回合之差等于 Count 时成立。
func turnCountHolds(t Trigger, st *turnState) bool {
	if st.total == 0 {
		return false
	}
	if len(t.Roles) == 0 {
		return st.total%t.Count == 0
	}
	for _, r := range t.Roles {
		switch r {
		case types.RoleUser:
			if st.lastUser-st.lastAssistant == t.Count {
				return true
			}
		case types.RoleAssistant:
			if st.lastAssistant-st.lastUser == t.Count {
				return true
			}
		}
	}
	return false
}
