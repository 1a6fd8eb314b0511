package models

import "time"

// AnomalyType classifies a detected deviation.
type AnomalyType string

const (
	AnomalySpike            AnomalyType = "SPIKE"
	AnomalyDrop             AnomalyType = "DROP"
	AnomalyOutlier          AnomalyType = "OUTLIER"
	AnomalyCorrelationBreak AnomalyType = "CORRELATION_BREAK"
)

// AnomalyStatus is the anomaly lifecycle.
type AnomalyStatus string

const (
	AnomalyActive        AnomalyStatus = "ACTIVE"
	AnomalyInvestigating AnomalyStatus = "INVESTIGATING"
	AnomalyResolved      AnomalyStatus = "RESOLVED"
	AnomalyFalsePositive AnomalyStatus = "FALSE_POSITIVE"
	AnomalySuppressed    AnomalyStatus = "SUPPRESSED"
)

// Terminal reports whether no further transition is allowed.
func (s AnomalyStatus) Terminal() bool {
	switch s {
	case AnomalyResolved, AnomalyFalsePositive, AnomalySuppressed:
		return true
	default:
		return false
	}
}

// AnomalyContext is the statistical and related-metric context of a detection.
type AnomalyContext struct {
	Mean           float64            `json:"mean"`
	StdDev         float64            `json:"std_dev"`
	BaselineCount  int                `json:"baseline_count"`
	Window         time.Duration      `json:"window"`
	RelatedMetrics map[string]float64 `json:"related_metrics,omitempty"`
}

// RootCause is a coarse hypothesis for why an anomaly happened.
type RootCause struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

// AnomalyImpact is the severity-scaled impact estimate.
type AnomalyImpact struct {
	Score               float64 `json:"score"`
	PerformanceImpact   float64 `json:"performance_impact"`
	UserImpact          string  `json:"user_impact"`
	EstimatedCostPerDay float64 `json:"estimated_cost_per_day"`
}

// Anomaly is a detected deviation from recent history.
type Anomaly struct {
	ID              string         `json:"id"`
	MetricName      string         `json:"metric_name"`
	Type            AnomalyType    `json:"type"`
	Severity        Severity       `json:"severity"`
	Status          AnomalyStatus  `json:"status"`
	Value           float64        `json:"value"`
	Expected        float64        `json:"expected"`
	ZScore          float64        `json:"z_score"`
	Confidence      float64        `json:"confidence"`
	Context         AnomalyContext `json:"context"`
	RootCause       *RootCause     `json:"root_cause,omitempty"`
	Impact          AnomalyImpact  `json:"impact"`
	Recommendations []string       `json:"recommendations,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
}

// DetectionModelType names the detector behind an AnomalyDetectionModel.
type DetectionModelType string

const (
	DetectionZScore DetectionModelType = "ZSCORE"
)

// DetectionAccuracy is fed by resolution and suppression outcomes.
type DetectionAccuracy struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Recompute refreshes precision, recall and F1 from the counters.
func (a *DetectionAccuracy) Recompute() {
	a.Precision, a.Recall, a.F1 = 0, 0, 0
	if tp := float64(a.TruePositives); tp > 0 {
		a.Precision = tp / (tp + float64(a.FalsePositives))
		a.Recall = tp / (tp + float64(a.FalseNegatives))
		a.F1 = 2 * a.Precision * a.Recall / (a.Precision + a.Recall)
	}
}

// AnomalyDetectionModel is the per-metric detection state.
type AnomalyDetectionModel struct {
	MetricName     string             `json:"metric_name"`
	Type           DetectionModelType `json:"type"`
	Parameters     map[string]float64 `json:"parameters"`
	Accuracy       DetectionAccuracy  `json:"accuracy"`
	TrainingWindow TrainingWindow     `json:"training_window"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Param returns a parameter or def when it is unset.
func (m *AnomalyDetectionModel) Param(name string, def float64) float64 {
	if v, ok := m.Parameters[name]; ok {
		return v
	}
	return def
}
