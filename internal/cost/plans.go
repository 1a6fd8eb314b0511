package cost

import (
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const day = 24 * time.Hour

var plans = map[models.CostOptimizationType][]models.ImplementationPhase{
	models.CostRightSizing: {
		{Name: "Validate", Steps: []string{"Review 7-day utilization percentiles", "Confirm no scheduled peak"}, Duration: day},
		{Name: "Apply", Steps: []string{"Lower requests and limits", "Roll pods"}, Duration: time.Hour},
		{Name: "Observe", Steps: []string{"Watch latency and throttling", "Roll back on regression"}, Duration: 3 * day},
	},
	models.CostAutoScaling: {
		{Name: "Design", Steps: []string{"Pick scaling metric and bounds"}, Duration: day},
		{Name: "Enable", Steps: []string{"Install autoscaler policy", "Set minimum replicas"}, Duration: 2 * time.Hour},
		{Name: "Tune", Steps: []string{"Adjust target utilization from observed behavior"}, Duration: 7 * day},
	},
	models.CostCompression: {
		{Name: "Benchmark", Steps: []string{"Measure compression ratio on sampled values"}, Duration: day},
		{Name: "Enable", Steps: []string{"Turn on compression for large values"}, Duration: 2 * time.Hour},
		{Name: "Observe", Steps: []string{"Compare memory and CPU before and after"}, Duration: 2 * day},
	},
	models.CostNetworkOptimization: {
		{Name: "Analyze", Steps: []string{"Find the largest talkers"}, Duration: day},
		{Name: "Apply", Steps: []string{"Batch small requests", "Compress payloads"}, Duration: 4 * time.Hour},
		{Name: "Observe", Steps: []string{"Track egress volume"}, Duration: 3 * day},
	},
}
