package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Aggregation reduces the samples of one bucket.
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggP50   Aggregation = "p50"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

// TimeRange selects [From, To]. A zero Step puts everything in one bucket.
type TimeRange struct {
	From time.Time
	To   time.Time
	Step time.Duration
}

// Point is one aggregated bucket.
type Point struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
	Count int       `json:"count"`
}

// QueryResult is an aggregated series plus a summary of the raw samples.
type QueryResult struct {
	Metric      string        `json:"metric"`
	Aggregation Aggregation   `json:"aggregation"`
	Points      []Point       `json:"points"`
	Summary     stats.Summary `json:"summary"`
}

// QueryRange buckets raw samples by Step and aggregates each bucket. Empty
// buckets are omitted.
func (c *Collector) QueryRange(ctx context.Context, metric string, tr TimeRange, agg Aggregation) (*QueryResult, error) {
	if tr.To.Before(tr.From) {
		return nil, fmt.Errorf("invalid range: %s is before %s", tr.To, tr.From)
	}
	if _, err := aggregate(nil, agg); err != nil {
		return nil, err
	}
	samples, err := c.store.RangeSamples(ctx, metric, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", metric, err)
	}

	res := &QueryResult{Metric: metric, Aggregation: agg, Points: []Point{}}
	if len(samples) == 0 {
		return res, nil
	}

	all := make([]float64, len(samples))
	for i, s := range samples {
		all[i] = s.Value
	}
	res.Summary = stats.Summarize(all)

	for _, bucket := range bucketize(samples, tr) {
		v, _ := aggregate(bucket.values, agg)
		res.Points = append(res.Points, Point{Start: bucket.start, Value: v, Count: len(bucket.values)})
	}
	return res, nil
}

type bucket struct {
	start  time.Time
	values []float64
}

// bucketize groups samples (oldest first) into Step-wide windows anchored at
// From.
func bucketize(samples []models.MetricSample, tr TimeRange) []bucket {
	if tr.Step <= 0 {
		b := bucket{start: tr.From}
		for _, s := range samples {
			b.values = append(b.values, s.Value)
		}
		return []bucket{b}
	}
	var out []bucket
	for _, s := range samples {
		idx := s.Timestamp.Sub(tr.From) / tr.Step
		start := tr.From.Add(idx * tr.Step)
		if len(out) == 0 || !out[len(out)-1].start.Equal(start) {
			out = append(out, bucket{start: start})
		}
		out[len(out)-1].values = append(out[len(out)-1].values, s.Value)
	}
	return out
}

// aggregate reduces values. A nil slice only validates agg.
func aggregate(values []float64, agg Aggregation) (float64, error) {
	switch agg {
	case AggAvg, AggMin, AggMax, AggSum, AggCount, AggP50, AggP95, AggP99:
	default:
		return 0, fmt.Errorf("unknown aggregation type: %s", agg)
	}
	if len(values) == 0 {
		return 0, nil
	}
	switch agg {
	case AggMin:
		return stats.Sorted(values)[0], nil
	case AggMax:
		sorted := stats.Sorted(values)
		return sorted[len(sorted)-1], nil
	case AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case AggCount:
		return float64(len(values)), nil
	case AggP50:
		return stats.Percentile(stats.Sorted(values), 50), nil
	case AggP95:
		return stats.Percentile(stats.Sorted(values), 95), nil
	case AggP99:
		return stats.Percentile(stats.Sorted(values), 99), nil
	default:
		return stats.Mean(values), nil
	}
}
