package models

// Package models defines the records shared by the collector, the analytics
// components, the optimizers and the engine.
//
// Closed sets (severities, action types, risk types, trigger types) are typed
// string constants. Each set has an All* slice so per-type tables can be
// checked for completeness.

// Severity is the four-level scale used by anomalies, bottlenecks, risks,
// triggers and decision priorities.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AllSeverities lists severities from lowest to highest.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Raise returns the next severity up, saturating at CRITICAL.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Priority is the engine's ranking of a decision. It shares the severity scale.
type Priority = Severity

// Impact is an expected or measured effect of a change.
type Impact struct {
	// PerformanceGain is a fraction (0.2 = 20% better).
	PerformanceGain float64 `json:"performance_gain"`
	// CostDelta is the monthly cost change in USD; negative values are savings.
	CostDelta float64 `json:"cost_delta"`
	// LatencyDeltaMs is the change in response time; negative is faster.
	LatencyDeltaMs float64 `json:"latency_delta_ms"`
	// UtilizationDelta is the change in utilization of the affected resource.
	UtilizationDelta float64 `json:"utilization_delta"`
	Confidence       float64 `json:"confidence"`
}

// Add sums two impacts. Confidence is the minimum of both when both are set.
func (i Impact) Add(o Impact) Impact {
	conf := i.Confidence
	switch {
	case conf == 0:
		conf = o.Confidence
	case o.Confidence != 0 && o.Confidence < conf:
		conf = o.Confidence
	}
	return Impact{
		PerformanceGain:  i.PerformanceGain + o.PerformanceGain,
		CostDelta:        i.CostDelta + o.CostDelta,
		LatencyDeltaMs:   i.LatencyDeltaMs + o.LatencyDeltaMs,
		UtilizationDelta: i.UtilizationDelta + o.UtilizationDelta,
		Confidence:       conf,
	}
}

// Scale multiplies every additive field by f.
func (i Impact) Scale(f float64) Impact {
	return Impact{
		PerformanceGain:  i.PerformanceGain * f,
		CostDelta:        i.CostDelta * f,
		LatencyDeltaMs:   i.LatencyDeltaMs * f,
		UtilizationDelta: i.UtilizationDelta * f,
		Confidence:       i.Confidence,
	}
}

// Savings returns the monthly savings implied by the impact (never negative).
func (i Impact) Savings() float64 {
	if i.CostDelta >= 0 {
		return 0
	}
	return -i.CostDelta
}

// RiskType is the category of a risk attached to an action, cost
// optimization or decision.
type RiskType string

const (
	RiskPerformanceDegradation RiskType = "PERFORMANCE_DEGRADATION"
	RiskServiceDisruption      RiskType = "SERVICE_DISRUPTION"
	RiskCostIncrease           RiskType = "COST_INCREASE"
	RiskDataMigration          RiskType = "DATA_MIGRATION"
	RiskScalingLag             RiskType = "SCALING_LAG"
	RiskCPUOverhead            RiskType = "CPU_OVERHEAD"
	RiskCapacityShortfall      RiskType = "CAPACITY_SHORTFALL"
)

// AllRiskTypes lists every RiskType.
var AllRiskTypes = []RiskType{
	RiskPerformanceDegradation,
	RiskServiceDisruption,
	RiskCostIncrease,
	RiskDataMigration,
	RiskScalingLag,
	RiskCPUOverhead,
	RiskCapacityShortfall,
}

// Risk is one identified hazard of a change.
type Risk struct {
	Type        RiskType `json:"type"`
	Level       Severity `json:"level"`
	Description string   `json:"description"`
	Mitigation  string   `json:"mitigation,omitempty"`
}

// HasSevereRisk reports whether any risk is HIGH or CRITICAL.
func HasSevereRisk(risks []Risk) bool {
	for _, r := range risks {
		if r.Level.AtLeast(SeverityHigh) {
			return true
		}
	}
	return false
}

// CountSevereRisks counts HIGH and CRITICAL risks.
func CountSevereRisks(risks []Risk) int {
	n := 0
	for _, r := range risks {
		if r.Level.AtLeast(SeverityHigh) {
			n++
		}
	}
	return n
}
