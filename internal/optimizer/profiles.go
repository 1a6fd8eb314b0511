package optimizer

import (
	"math"

	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// profile is the static expectation for one action type.
type profile struct {
	impact        models.Impact
	cost          float64
	risks         []models.Risk
	prerequisites []string
}

// Large magnitudes raise every risk one level.
const (
	largeFactor   = 2.0
	largeReplicas = 4.0
)

var profiles = map[models.ActionType]profile{
	models.ActionScaleUp: {
		impact: models.Impact{PerformanceGain: 0.3, CostDelta: 150, LatencyDeltaMs: -20, UtilizationDelta: -0.3, Confidence: 0.8},
		cost:   150,
		risks: []models.Risk{
			{Type: models.RiskCostIncrease, Level: models.SeverityMedium, Description: "Larger requests raise the monthly bill", Mitigation: "Scale back down once load subsides"},
			{Type: models.RiskServiceDisruption, Level: models.SeverityLow, Description: "Pods restart to pick up new resources", Mitigation: "Rolling update"},
		},
		prerequisites: []string{"Node capacity for the larger requests"},
	},
	models.ActionScaleDown: {
		impact: models.Impact{PerformanceGain: -0.05, CostDelta: -100, UtilizationDelta: 0.2, Confidence: 0.7},
		risks: []models.Risk{
			{Type: models.RiskPerformanceDegradation, Level: models.SeverityMedium, Description: "Less headroom for bursts", Mitigation: "Watch latency for one cycle"},
		},
	},
	models.ActionScaleOut: {
		impact: models.Impact{PerformanceGain: 0.25, CostDelta: 200, LatencyDeltaMs: -15, UtilizationDelta: -0.25, Confidence: 0.85},
		cost:   200,
		risks: []models.Risk{
			{Type: models.RiskCostIncrease, Level: models.SeverityMedium, Description: "Each replica adds to the monthly bill", Mitigation: "Scale in when the forecast drops"},
			{Type: models.RiskScalingLag, Level: models.SeverityLow, Description: "New replicas take time to become ready", Mitigation: "Act on predictions ahead of the peak"},
		},
		prerequisites: []string{"Schedulable capacity for new replicas"},
	},
	models.ActionScaleIn: {
		impact: models.Impact{PerformanceGain: -0.05, CostDelta: -150, UtilizationDelta: 0.15, Confidence: 0.75},
		risks: []models.Risk{
			{Type: models.RiskCapacityShortfall, Level: models.SeverityMedium, Description: "Fewer replicas may not absorb a surge", Mitigation: "Keep at least one replica"},
		},
	},
	models.ActionReconfigure: {
		impact: models.Impact{PerformanceGain: 0.1, LatencyDeltaMs: -5, Confidence: 0.6},
		cost:   50,
		risks: []models.Risk{
			{Type: models.RiskServiceDisruption, Level: models.SeverityMedium, Description: "Configuration rollout restarts pods", Mitigation: "Rolling update with readiness checks"},
		},
	},
	models.ActionRebalance: {
		impact: models.Impact{PerformanceGain: 0.15, LatencyDeltaMs: -10, UtilizationDelta: -0.1, Confidence: 0.65},
		cost:   75,
		risks: []models.Risk{
			{Type: models.RiskDataMigration, Level: models.SeverityMedium, Description: "Keys move between shards", Mitigation: "Rebalance during low traffic"},
			{Type: models.RiskPerformanceDegradation, Level: models.SeverityLow, Description: "Migration traffic competes with requests"},
		},
	},
	models.ActionCacheOptimization: {
		impact: models.Impact{PerformanceGain: 0.2, CostDelta: -20, LatencyDeltaMs: -25, Confidence: 0.7},
		cost:   25,
		risks: []models.Risk{
			{Type: models.RiskCPUOverhead, Level: models.SeverityLow, Description: "Compression and eviction tuning cost CPU"},
		},
	},
}

// isLarge reports whether the parameters describe a large change.
func isLarge(params map[string]float64) bool {
	if f, ok := params[executor.ParamFactor]; ok && (f >= largeFactor || (f > 0 && f <= 1/largeFactor)) {
		return true
	}
	if r, ok := params[executor.ParamReplicas]; ok && math.Abs(r) >= largeReplicas {
		return true
	}
	return false
}

// risksFor copies the profile risks, raised one level for large changes.
func risksFor(p profile, params map[string]float64) []models.Risk {
	large := isLarge(params)
	out := make([]models.Risk, len(p.risks))
	for i, r := range p.risks {
		if large {
			r.Level = r.Level.Raise()
		}
		out[i] = r
	}
	return out
}
