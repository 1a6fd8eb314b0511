package models

import "time"

// PredictionType labels what a forecast is used for.
type PredictionType string

const (
	PredictionPerformance PredictionType = "PERFORMANCE"
	PredictionResource    PredictionType = "RESOURCE"
	PredictionCapacity    PredictionType = "CAPACITY"
)

// TrendDirection describes the sign of a fitted slope.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "INCREASING"
	TrendDecreasing TrendDirection = "DECREASING"
	TrendStable     TrendDirection = "STABLE"
)

// Trend is the fitted linear trend of a series.
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	RSquared  float64        `json:"r_squared"`
}

// Seasonality is the autocorrelation finding at one candidate period.
type Seasonality struct {
	Detected bool `json:"detected"`
	// PeriodSamples is the tested lag in samples.
	PeriodSamples int     `json:"period_samples"`
	Strength      float64 `json:"strength"`
}

// Factor is one contributor to a prediction.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// PerformancePrediction is the immutable result of one forecast.
type PerformancePrediction struct {
	ID             string         `json:"id"`
	MetricName     string         `json:"metric_name"`
	Type           PredictionType `json:"type"`
	HorizonSeconds int            `json:"horizon_seconds"`
	CurrentValue   float64        `json:"current_value"`
	PredictedValue float64        `json:"predicted_value"`
	Confidence     float64        `json:"confidence"`
	Anomalous      bool           `json:"anomalous"`
	Trend          Trend          `json:"trend"`
	Seasonality    Seasonality    `json:"seasonality"`
	Factors        []Factor       `json:"factors,omitempty"`
	SampleCount    int            `json:"sample_count"`
	CreatedAt      time.Time      `json:"created_at"`
	ValidUntil     time.Time      `json:"valid_until"`
}

// Expired reports whether the prediction is past its validity window.
func (p *PerformancePrediction) Expired(now time.Time) bool {
	return now.After(p.ValidUntil)
}

// Mitigation is a candidate response to a bottleneck.
type Mitigation struct {
	Action          ActionType `json:"action"`
	Description     string     `json:"description"`
	EstimatedEffect float64    `json:"estimated_effect"`
	EstimatedCost   float64    `json:"estimated_cost"`
}

// BottleneckImpact estimates the consequences of an unmitigated bottleneck.
type BottleneckImpact struct {
	PerformanceDegradation float64  `json:"performance_degradation"`
	AffectedComponents     []string `json:"affected_components"`
	UserImpact             string   `json:"user_impact"`
}

// BottleneckPrediction is a predicted threshold crossing for a resource.
type BottleneckPrediction struct {
	ID                string           `json:"id"`
	Resource          string           `json:"resource"`
	MetricName        string           `json:"metric_name"`
	Severity          Severity         `json:"severity"`
	CurrentValue      float64          `json:"current_value"`
	PredictedValue    float64          `json:"predicted_value"`
	Threshold         float64          `json:"threshold"`
	Confidence        float64          `json:"confidence"`
	HorizonSeconds    int              `json:"horizon_seconds"`
	EstimatedOnset    time.Time        `json:"estimated_onset"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	Impact            BottleneckImpact `json:"impact"`
	Mitigations       []Mitigation     `json:"mitigations"`
	PredictionID      string           `json:"prediction_id"`
	CreatedAt         time.Time        `json:"created_at"`
}

// PredictionModelType names the estimator behind a PredictionModel.
type PredictionModelType string

const (
	ModelLinearTrend   PredictionModelType = "LINEAR_TREND"
	ModelSeasonalTrend PredictionModelType = "SEASONAL_TREND"
)

// PredictionAccuracy summarizes forecast errors over a bounded window.
type PredictionAccuracy struct {
	MAPE    float64 `json:"mape"`
	RMSE    float64 `json:"rmse"`
	MAE     float64 `json:"mae"`
	Samples int     `json:"samples"`
}

// TrainingWindow describes the data a model was last fitted on.
type TrainingWindow struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples int       `json:"samples"`
}

// PendingPrediction is a forecast awaiting its actual value.
type PendingPrediction struct {
	PredictionID string    `json:"prediction_id"`
	TargetTime   time.Time `json:"target_time"`
	Predicted    float64   `json:"predicted"`
}

// PredictionError is one evaluated forecast.
type PredictionError struct {
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	At        time.Time `json:"at"`
}

// PredictionModel is the per-metric forecasting state.
type PredictionModel struct {
	MetricName     string              `json:"metric_name"`
	Type           PredictionModelType `json:"type"`
	Parameters     map[string]float64  `json:"parameters"`
	Accuracy       PredictionAccuracy  `json:"accuracy"`
	TrainingWindow TrainingWindow      `json:"training_window"`
	Pending        []PendingPrediction `json:"pending,omitempty"`
	Errors         []PredictionError   `json:"errors,omitempty"`
	RetrainCount   int                 `json:"retrain_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	LastTrainedAt  time.Time           `json:"last_trained_at"`
}

// Param returns a parameter or def when it is unset.
func (m *PredictionModel) Param(name string, def float64) float64 {
	if v, ok := m.Parameters[name]; ok {
		return v
	}
	return def
}
