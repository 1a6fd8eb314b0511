package models

import "time"

// ActionType is the kind of change an OptimizationAction applies.
type ActionType string

const (
	ActionScaleUp           ActionType = "SCALE_UP"
	ActionScaleDown         ActionType = "SCALE_DOWN"
	ActionScaleOut          ActionType = "SCALE_OUT"
	ActionScaleIn           ActionType = "SCALE_IN"
	ActionReconfigure       ActionType = "RECONFIGURE"
	ActionRebalance         ActionType = "REBALANCE"
	ActionCacheOptimization ActionType = "CACHE_OPTIMIZATION"
)

// AllActionTypes lists every ActionType.
var AllActionTypes = []ActionType{
	ActionScaleUp,
	ActionScaleDown,
	ActionScaleOut,
	ActionScaleIn,
	ActionReconfigure,
	ActionRebalance,
	ActionCacheOptimization,
}

// ActionStatus is the execution lifecycle shared by actions and cost
// optimizations. IDENTIFIED and ANALYZED only apply to cost optimizations.
type ActionStatus string

const (
	StatusIdentified ActionStatus = "IDENTIFIED"
	StatusAnalyzed   ActionStatus = "ANALYZED"
	StatusPending    ActionStatus = "PENDING"
	StatusApproved   ActionStatus = "APPROVED"
	StatusExecuting  ActionStatus = "EXECUTING"
	StatusCompleted  ActionStatus = "COMPLETED"
	StatusFailed     ActionStatus = "FAILED"
	StatusRolledBack ActionStatus = "ROLLED_BACK"
)

// Open reports whether the record has not reached an execution outcome.
func (s ActionStatus) Open() bool {
	switch s {
	case StatusIdentified, StatusAnalyzed, StatusPending, StatusApproved, StatusExecuting:
		return true
	default:
		return false
	}
}

// OptimizationResult is the outcome of executing an action or cost
// optimization.
type OptimizationResult struct {
	Success          bool              `json:"success"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	ActualImpact     Impact            `json:"actual_impact"`
	Error            string            `json:"error,omitempty"`
	RollbackRequired bool              `json:"rollback_required"`
	RolledBack       bool              `json:"rolled_back"`
	RolledBackAt     *time.Time        `json:"rolled_back_at,omitempty"`
	UndoState        map[string]string `json:"undo_state,omitempty"`
}

// OptimizationAction is one proposed change to a resource.
type OptimizationAction struct {
	ID             string              `json:"id"`
	Type           ActionType          `json:"type"`
	Resource       string              `json:"resource"`
	Description    string              `json:"description"`
	Parameters     map[string]float64  `json:"parameters,omitempty"`
	ExpectedImpact Impact              `json:"expected_impact"`
	Cost           float64             `json:"cost"`
	Risks          []Risk              `json:"risks,omitempty"`
	Prerequisites  []string            `json:"prerequisites,omitempty"`
	Status         ActionStatus        `json:"status"`
	TriggerMetric  string              `json:"trigger_metric"`
	StrategyID     string              `json:"strategy_id,omitempty"`
	Result         *OptimizationResult `json:"result,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// ConditionOperator compares a metric value against a threshold.
type ConditionOperator string

const (
	OpGreaterThan    ConditionOperator = "GT"
	OpGreaterOrEqual ConditionOperator = "GTE"
	OpLessThan       ConditionOperator = "LT"
	OpLessOrEqual    ConditionOperator = "LTE"
)

// Condition matches metrics whose name contains Metric.
type Condition struct {
	Metric    string            `json:"metric"`
	Operator  ConditionOperator `json:"operator"`
	Threshold float64           `json:"threshold"`
}

// Holds evaluates the operator against v.
func (c Condition) Holds(v float64) bool {
	switch c.Operator {
	case OpGreaterThan:
		return v > c.Threshold
	case OpGreaterOrEqual:
		return v >= c.Threshold
	case OpLessThan:
		return v < c.Threshold
	case OpLessOrEqual:
		return v <= c.Threshold
	default:
		return false
	}
}

// ActionTemplate is instantiated into an OptimizationAction.
type ActionTemplate struct {
	Type        ActionType         `json:"type"`
	Resource    string             `json:"resource"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
	Description string             `json:"description"`
}

// OptimizationStrategy is a declarative rule that generates actions.
type OptimizationStrategy struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Enabled       bool             `json:"enabled"`
	Conditions    []Condition      `json:"conditions"`
	Actions       []ActionTemplate `json:"actions"`
	Priority      int              `json:"priority"`
	AutoApprove   bool             `json:"auto_approve"`
	Cooldown      time.Duration    `json:"cooldown"`
	LastTriggered *time.Time       `json:"last_triggered,omitempty"`
}

// InCooldown reports whether the strategy fired within its cooldown window.
func (s *OptimizationStrategy) InCooldown(now time.Time) bool {
	return s.LastTriggered != nil && now.Sub(*s.LastTriggered) < s.Cooldown
}
