package models

import "time"

// DecisionType is what kind of finding produced a decision.
type DecisionType string

const (
	DecisionAnomalyResponse      DecisionType = "ANOMALY_RESPONSE"
	DecisionBottleneckPrevention DecisionType = "BOTTLENECK_PREVENTION"
	DecisionPredictiveScaling    DecisionType = "PREDICTIVE_SCALING"
	DecisionCostOptimization     DecisionType = "COST_OPTIMIZATION"
)

// AllDecisionTypes lists every DecisionType.
var AllDecisionTypes = []DecisionType{
	DecisionAnomalyResponse,
	DecisionBottleneckPrevention,
	DecisionPredictiveScaling,
	DecisionCostOptimization,
}

// TriggerType identifies the source record of a decision.
type TriggerType string

const (
	TriggerAnomaly    TriggerType = "ANOMALY"
	TriggerPrediction TriggerType = "PREDICTION"
	TriggerBottleneck TriggerType = "BOTTLENECK"
	TriggerCost       TriggerType = "COST"
)

// AllTriggerTypes lists every TriggerType.
var AllTriggerTypes = []TriggerType{TriggerAnomaly, TriggerPrediction, TriggerBottleneck, TriggerCost}

// DecisionTypeFor maps a trigger to the decision it produces.
func DecisionTypeFor(t TriggerType) DecisionType {
	switch t {
	case TriggerAnomaly:
		return DecisionAnomalyResponse
	case TriggerBottleneck:
		return DecisionBottleneckPrevention
	case TriggerPrediction:
		return DecisionPredictiveScaling
	case TriggerCost:
		return DecisionCostOptimization
	default:
		return ""
	}
}

// Trigger is the finding a decision responds to.
type Trigger struct {
	Type     TriggerType `json:"type"`
	SourceID string      `json:"source_id"`
	// Subject is the metric name, or the resource ID for cost findings.
	Subject     string   `json:"subject"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Fingerprint identifies triggers that describe the same ongoing condition.
func (t Trigger) Fingerprint() string {
	return string(t.Type) + ":" + t.Subject
}

// DecisionStatus is the decision lifecycle.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "PENDING"
	DecisionApproved  DecisionStatus = "APPROVED"
	DecisionRejected  DecisionStatus = "REJECTED"
	DecisionExecuting DecisionStatus = "EXECUTING"
	DecisionCompleted DecisionStatus = "COMPLETED"
	DecisionFailed    DecisionStatus = "FAILED"
	DecisionCancelled DecisionStatus = "CANCELLED"
)

// Open reports whether the decision may still run.
func (s DecisionStatus) Open() bool {
	return s == DecisionPending || s == DecisionApproved || s == DecisionExecuting
}

// DecisionResult aggregates the outcomes of a decision's contents.
type DecisionResult struct {
	Success      bool                           `json:"success"`
	ActualImpact Impact                         `json:"actual_impact"`
	Outcomes     map[string]*OptimizationResult `json:"outcomes"`
	Errors       []string                       `json:"errors,omitempty"`
	RolledBack   []string                       `json:"rolled_back,omitempty"`
	StartedAt    time.Time                      `json:"started_at"`
	CompletedAt  time.Time                      `json:"completed_at"`
}

// OptimizationDecision groups actions and cost optimizations under one
// trigger. It references them by ID; the optimizers own the records.
type OptimizationDecision struct {
	ID                  string          `json:"id"`
	Type                DecisionType    `json:"type"`
	Trigger             Trigger         `json:"trigger"`
	ActionIDs           []string        `json:"action_ids,omitempty"`
	CostOptimizationIDs []string        `json:"cost_optimization_ids,omitempty"`
	Summary             []string        `json:"summary,omitempty"`
	ExpectedImpact      Impact          `json:"expected_impact"`
	Risks               []Risk          `json:"risks,omitempty"`
	Score               float64         `json:"score"`
	Priority            Priority        `json:"priority"`
	AutoApprove         bool            `json:"auto_approve"`
	Status              DecisionStatus  `json:"status"`
	ApprovedBy          string          `json:"approved_by,omitempty"`
	RejectionReason     string          `json:"rejection_reason,omitempty"`
	Result              *DecisionResult `json:"result,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ApprovedAt          *time.Time      `json:"approved_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// ReportPeriod is the window of a report.
type ReportPeriod string

const (
	PeriodHour  ReportPeriod = "hour"
	PeriodDay   ReportPeriod = "day"
	PeriodWeek  ReportPeriod = "week"
	PeriodMonth ReportPeriod = "month"
)

// Duration returns the length of the period, or 0 for an unknown period.
func (p ReportPeriod) Duration() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ReportTrend compares the second half of a report window with the first.
type ReportTrend string

const (
	TrendImproving ReportTrend = "IMPROVING"
	TrendSteady    ReportTrend = "STABLE"
	TrendDegrading ReportTrend = "DEGRADING"
)

// Report aggregates decision outcomes over a period.
type Report struct {
	ID                     string                 `json:"id"`
	Period                 ReportPeriod           `json:"period"`
	From                   time.Time              `json:"from"`
	To                     time.Time              `json:"to"`
	TotalDecisions         int                    `json:"total_decisions"`
	ByStatus               map[DecisionStatus]int `json:"by_status"`
	ByType                 map[DecisionType]int   `json:"by_type"`
	AutoApproved           int                    `json:"auto_approved"`
	SuccessRate            float64                `json:"success_rate"`
	TotalSavings           float64                `json:"total_savings"`
	PerformanceImprovement float64                `json:"performance_improvement"`
	Trend                  ReportTrend            `json:"trend"`
	ActiveAnomalies        int                    `json:"active_anomalies"`
	ActiveAlerts           int                    `json:"active_alerts"`
	GeneratedAt            time.Time              `json:"generated_at"`
}
