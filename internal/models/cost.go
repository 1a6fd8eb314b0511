package models

import "time"

// CostOptimizationType is the kind of cost-saving change.
type CostOptimizationType string

const (
	CostRightSizing         CostOptimizationType = "RIGHT_SIZING"
	CostAutoScaling         CostOptimizationType = "AUTO_SCALING"
	CostCompression         CostOptimizationType = "COMPRESSION"
	CostNetworkOptimization CostOptimizationType = "NETWORK_OPTIMIZATION"
)

// AllCostOptimizationTypes lists every CostOptimizationType.
var AllCostOptimizationTypes = []CostOptimizationType{
	CostRightSizing,
	CostAutoScaling,
	CostCompression,
	CostNetworkOptimization,
}

// ResourceType groups inventory entries for cost analysis.
type ResourceType string

const (
	ResourceCompute   ResourceType = "compute"
	ResourceMemory    ResourceType = "memory"
	ResourceDatastore ResourceType = "datastore"
	ResourceNetwork   ResourceType = "network"
	ResourceStorage   ResourceType = "storage"
)

// AllResourceTypes lists every ResourceType.
var AllResourceTypes = []ResourceType{
	ResourceCompute,
	ResourceMemory,
	ResourceDatastore,
	ResourceNetwork,
	ResourceStorage,
}

// CostBreakdown is a monthly cost split in USD.
type CostBreakdown struct {
	Compute float64 `json:"compute"`
	Memory  float64 `json:"memory"`
	Storage float64 `json:"storage"`
	Network float64 `json:"network"`
	Total   float64 `json:"total"`
}

// Scaled multiplies every component by f and recomputes the total.
func (b CostBreakdown) Scaled(f float64) CostBreakdown {
	out := CostBreakdown{
		Compute: b.Compute * f,
		Memory:  b.Memory * f,
		Storage: b.Storage * f,
		Network: b.Network * f,
	}
	out.Total = out.Compute + out.Memory + out.Storage + out.Network
	return out
}

// ResourceUsage is one inventory entry with its current utilization.
type ResourceUsage struct {
	ID                   string        `json:"id"`
	Type                 ResourceType  `json:"type"`
	Metric               string        `json:"metric"`
	Utilization          float64       `json:"utilization"`
	BandwidthUtilization float64       `json:"bandwidth_utilization"`
	Cost                 CostBreakdown `json:"cost"`
}

// Savings of a cost optimization.
type Savings struct {
	Monthly    float64 `json:"monthly"`
	Annual     float64 `json:"annual"`
	Percentage float64 `json:"percentage"`
}

// ROI of a cost optimization.
type ROI struct {
	ImplementationCost float64 `json:"implementation_cost"`
	PaybackMonths      float64 `json:"payback_months"`
	Ratio              float64 `json:"ratio"`
}

// ImplementationPhase is one step of a phased rollout.
type ImplementationPhase struct {
	Name     string        `json:"name"`
	Steps    []string      `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// CostOptimization is a proposed cost-saving change.
type CostOptimization struct {
	ID            string                `json:"id"`
	Type          CostOptimizationType  `json:"type"`
	ResourceID    string                `json:"resource_id"`
	ResourceType  ResourceType          `json:"resource_type"`
	Description   string                `json:"description"`
	Utilization   float64               `json:"utilization"`
	CurrentCost   CostBreakdown         `json:"current_cost"`
	ProjectedCost CostBreakdown         `json:"projected_cost"`
	Savings       Savings               `json:"savings"`
	ROI           ROI                   `json:"roi"`
	Plan          []ImplementationPhase `json:"plan"`
	// Parameters are handed to the executor, e.g. a resource factor.
	Parameters    map[string]float64    `json:"parameters,omitempty"`
	Risks         []Risk                `json:"risks,omitempty"`
	Status        ActionStatus          `json:"status"`
	Result        *OptimizationResult   `json:"result,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ExpectedImpact expresses the savings as an Impact.
func (c *CostOptimization) ExpectedImpact() Impact {
	return Impact{CostDelta: -c.Savings.Monthly, Confidence: 0.8}
}

// CostPoint is a dated cost value.
type CostPoint struct {
	Date time.Time `json:"date"`
	Cost float64   `json:"cost"`
}

// CostForecast projects daily costs forward.
type CostForecast struct {
	ResourceType      ResourceType   `json:"resource_type"`
	HorizonDays       int            `json:"horizon_days"`
	History           int            `json:"history"`
	Timeline          []CostPoint    `json:"timeline"`
	Conservative      []CostPoint    `json:"conservative"`
	Aggressive        []CostPoint    `json:"aggressive"`
	Total             float64        `json:"total"`
	ConservativeTotal float64        `json:"conservative_total"`
	AggressiveTotal   float64        `json:"aggressive_total"`
	Trend             TrendDirection `json:"trend"`
	DailySlope        float64        `json:"daily_slope"`
	Confidence        float64        `json:"confidence"`
	CreatedAt         time.Time      `json:"created_at"`
}
