package engine

import (
	"math"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var typeBaseScores = map[models.DecisionType]float64{
	models.DecisionAnomalyResponse:      30,
	models.DecisionBottleneckPrevention: 25,
	models.DecisionPredictiveScaling:    15,
	models.DecisionCostOptimization:     10,
}

var severityScores = map[models.Severity]float64{
	models.SeverityCritical: 40,
	models.SeverityHigh:     30,
	models.SeverityMedium:   20,
	models.SeverityLow:      10,
}

// Impact normalization: savings of $1000/month or a 50% performance gain
// earn the full 15 points each.
const (
	impactPoints      = 15
	fullSavingsUSD    = 1000
	fullPerfGain      = 0.5
	severeRiskPenalty = 10
)

// Score ranks a decision from its type, trigger severity, expected impact
// and severe risks. The result is clamped to [0, 100].
func Score(d *models.OptimizationDecision) float64 {
	s := typeBaseScores[d.Type] + severityScores[d.Trigger.Severity]
	s += impactPoints * math.Min(1, d.ExpectedImpact.Savings()/fullSavingsUSD)
	s += impactPoints * math.Min(1, math.Max(0, d.ExpectedImpact.PerformanceGain)/fullPerfGain)
	for _, r := range d.Risks {
		if r.Level.AtLeast(models.SeverityHigh) {
			s -= severeRiskPenalty
		}
	}
	return math.Max(0, math.Min(100, s))
}

// PriorityFor maps a score to a priority.
func PriorityFor(score float64) models.Priority {
	switch {
	case score >= 70:
		return models.SeverityCritical
	case score >= 50:
		return models.SeverityHigh
	case score >= 30:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// hasSevereRisk reports whether any risk is HIGH or worse.
func hasSevereRisk(risks []models.Risk) bool {
	for _, r := range risks {
		if r.Level.AtLeast(models.SeverityHigh) {
			return true
		}
	}
	return false
}

// eligibleForAutoApproval holds for LOW priority cost decisions without
// severe risks. The hourly budget is checked separately.
func eligibleForAutoApproval(d *models.OptimizationDecision) bool {
	return d.Type == models.DecisionCostOptimization &&
		d.Priority == models.SeverityLow &&
		!hasSevereRisk(d.Risks)
}

// CostSeverity grades a cost finding by its savings fraction.
func CostSeverity(c *models.CostOptimization) models.Severity {
	frac := c.Savings.Percentage / 100
	switch {
	case frac >= 0.35:
		return models.SeverityHigh
	case frac >= 0.2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
