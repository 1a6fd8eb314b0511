package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Root-cause categories.
const (
	CauseCPUSaturation       = "CPU_SATURATION"
	CauseDatastoreMemory     = "DATASTORE_MEMORY_PRESSURE"
	CauseMemoryPressure      = "MEMORY_PRESSURE"
	CauseLatencyRegression   = "LATENCY_REGRESSION"
	CauseErrorBurst          = "ERROR_BURST"
	CauseTrafficShift        = "TRAFFIC_SHIFT"
	CauseNetworkCongestion   = "NETWORK_CONGESTION"
	CauseDatastoreDegraded   = "DATASTORE_DEGRADATION"
	CauseDependencyDecoupled = "DEPENDENCY_DECOUPLING"
)

// relatedMetrics lists, per metric, the series whose latest values give an
// anomaly context.
var relatedMetrics = map[string][]string{
	models.MetricCPUUsage:         {models.MetricCPULoad1, models.MetricRequestRate, models.MetricResponseTime},
	models.MetricCPULoad1:         {models.MetricCPUUsage, models.MetricRequestRate},
	models.MetricMemoryUsage:      {models.MetricSwapUsage, models.MetricGoroutines, models.MetricDatastoreMemory},
	models.MetricSwapUsage:        {models.MetricMemoryUsage},
	models.MetricDatastoreMemory:  {models.MetricDatastoreEvicted, models.MetricDatastoreHitRate, models.MetricDatastoreClients},
	models.MetricDatastoreClients: {models.MetricDatastoreOps, models.MetricRequestRate},
	models.MetricDatastoreOps:     {models.MetricDatastoreClients, models.MetricResponseTime},
	models.MetricDatastoreHitRate: {models.MetricDatastoreMemory, models.MetricDatastoreEvicted, models.MetricResponseTime},
	models.MetricNetworkBandwidth: {models.MetricNetworkBytesIn, models.MetricNetworkBytesOut, models.MetricRequestRate},
	models.MetricRequestRate:      {models.MetricCPUUsage, models.MetricResponseTime, models.MetricErrorRate},
	models.MetricResponseTime:     {models.MetricCPUUsage, models.MetricDatastoreOps, models.MetricErrorRate},
	models.MetricErrorRate:        {models.MetricResponseTime, models.MetricRequestRate},
	models.MetricGoroutines:       {models.MetricMemoryUsage, models.MetricRequestRate},
}

// causeRule maps a metric-name substring to a root-cause hypothesis. Rules
// are tried in order, so more specific substrings come first.
type causeRule struct {
	substr      string
	category    string
	description string
	confidence  float64
}

var causeRules = []causeRule{
	{"datastore.memory", CauseDatastoreMemory, "Datastore memory is approaching its limit; evictions and slow commands follow", 0.75},
	{"datastore", CauseDatastoreDegraded, "Datastore throughput or cache efficiency changed abruptly", 0.6},
	{"cpu", CauseCPUSaturation, "CPU demand exceeds the capacity provisioned for the service", 0.7},
	{"memory", CauseMemoryPressure, "Process memory is growing beyond its normal working set", 0.65},
	{"swap", CauseMemoryPressure, "The host is swapping under memory pressure", 0.7},
	{"goroutines", CauseMemoryPressure, "Goroutine count is growing, pointing to blocked or leaked work", 0.5},
	{"response_time", CauseLatencyRegression, "Request latency regressed against its recent baseline", 0.6},
	{"error_rate", CauseErrorBurst, "Requests are failing at an unusual rate", 0.65},
	{"request_rate", CauseTrafficShift, "Incoming traffic shifted away from its usual level", 0.6},
	{"network", CauseNetworkCongestion, "Network throughput is unusual for this link", 0.55},
}

var causeRecommendations = map[string][]string{
	CauseCPUSaturation: {
		"Scale the service out or raise its CPU allocation",
		"Profile hot request paths for CPU regressions",
	},
	CauseDatastoreMemory: {
		"Expire cold keys and compress large values",
		"Raise the datastore memory limit or switch to an LRU eviction policy",
	},
	CauseMemoryPressure: {
		"Raise the memory limit of the service instances",
		"Check for unbounded caches or leaked goroutines",
	},
	CauseLatencyRegression: {
		"Cache hot responses in the datastore",
		"Check downstream dependencies for slow calls",
	},
	CauseErrorBurst: {
		"Check recent deployments and roll back if they correlate",
		"Inspect error logs for a dominant failure",
	},
	CauseTrafficShift: {
		"Confirm whether the traffic change is expected",
		"Adjust replica counts to the new load level",
	},
	CauseNetworkCongestion: {
		"Enable payload compression",
		"Spread traffic across network paths",
	},
	CauseDatastoreDegraded: {
		"Review datastore slow log and client connection counts",
		"Rebalance keys across datastore shards",
	},
	CauseDependencyDecoupled: {
		"Check whether the two metrics still share a workload",
		"Look for a component that started failing silently",
	},
}

// severityWeight scales impact estimates.
var severityWeight = map[models.Severity]float64{
	models.SeverityLow:      0.25,
	models.SeverityMedium:   0.5,
	models.SeverityHigh:     0.75,
	models.SeverityCritical: 1.0,
}

// Estimated cost per day of an unaddressed anomaly, USD.
var severityDailyCost = map[models.Severity]float64{
	models.SeverityLow:      10,
	models.SeverityMedium:   50,
	models.SeverityHigh:     200,
	models.SeverityCritical: 500,
}

func (d *Detector) enrich(ctx context.Context, a *models.Anomaly) {
	if a.Context.RelatedMetrics == nil {
		a.Context.RelatedMetrics = d.relatedValues(ctx, a.MetricName)
	}
	a.RootCause = rootCause(a)
	a.Impact = impactOf(a.Severity)
	if a.RootCause != nil {
		a.Recommendations = append([]string(nil), causeRecommendations[a.RootCause.Category]...)
	}
}

func (d *Detector) relatedValues(ctx context.Context, metric string) map[string]float64 {
	related := relatedMetrics[metric]
	if len(related) == 0 {
		return nil
	}
	out := make(map[string]float64, len(related))
	for _, name := range related {
		s, err := d.store.LatestSample(ctx, name)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				d.logger.Debug("related metric unavailable", zap.String("metric", name), zap.Error(err))
			}
			continue
		}
		out[name] = s.Value
	}
	return out
}

func rootCause(a *models.Anomaly) *models.RootCause {
	evidence := []string{
		fmt.Sprintf("%s = %.4g, expected %.4g (z %.2f)", a.MetricName, a.Value, a.Expected, a.ZScore),
	}
	names := make([]string, 0, len(a.Context.RelatedMetrics))
	for name := range a.Context.RelatedMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		evidence = append(evidence, fmt.Sprintf("%s = %.4g", name, a.Context.RelatedMetrics[name]))
	}

	if a.Type == models.AnomalyCorrelationBreak {
		return &models.RootCause{
			Category:    CauseDependencyDecoupled,
			Description: "Two metrics that normally move together have diverged",
			Confidence:  0.5 * a.Confidence,
			Evidence:    evidence,
		}
	}
	for _, r := range causeRules {
		if !strings.Contains(a.MetricName, r.substr) {
			continue
		}
		desc := r.description
		if a.Type == models.AnomalyDrop {
			desc = "Sudden drop: " + lowerFirst(desc)
		}
		return &models.RootCause{
			Category:    r.category,
			Description: desc,
			Confidence:  r.confidence * a.Confidence,
			Evidence:    evidence,
		}
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func impactOf(sev models.Severity) models.AnomalyImpact {
	w := severityWeight[sev]
	return models.AnomalyImpact{
		Score:               w * 100,
		PerformanceImpact:   w * 0.5,
		UserImpact:          userImpact(sev),
		EstimatedCostPerDay: severityDailyCost[sev],
	}
}

func userImpact(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "outage-level degradation likely"
	case models.SeverityHigh:
		return "most users see slower or failed requests"
	case models.SeverityMedium:
		return "some users see slower requests"
	default:
		return "negligible"
	}
}
