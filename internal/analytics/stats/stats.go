// Package stats wraps gonum/stat with the small set of deterministic helpers
// the collector, predictor, detector and cost optimizer share.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary describes a set of values.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Summarize computes a Summary. An empty input yields the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := Sorted(values)
	return Summary{
		Count:  len(values),
		Mean:   stat.Mean(values, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		StdDev: StdDev(values),
		P50:    Percentile(sorted, 50),
		P90:    Percentile(sorted, 90),
		P95:    Percentile(sorted, 95),
		P99:    Percentile(sorted, 99),
	}
}

// Sorted returns a sorted copy.
func Sorted(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// Percentile returns the nearest-rank percentile p (0-100] of sorted values.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	return stat.Quantile(p/100, stat.Empirical, sorted, nil)
}

// MeanStdDev returns the mean and sample standard deviation. A single value
// has a standard deviation of 0.
func MeanStdDev(values []float64) (mean, std float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	mean, std = stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// StdDev is the sample standard deviation, 0 for fewer than two values.
func StdDev(values []float64) float64 {
	_, std := MeanStdDev(values)
	return std
}

// Mean of values, 0 when empty.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// CoefficientOfVariation is stddev/|mean|, 0 when the mean is 0.
func CoefficientOfVariation(values []float64) float64 {
	mean, std := MeanStdDev(values)
	if mean == 0 {
		return 0
	}
	return std / math.Abs(mean)
}

// Fit is a least-squares line over the sample index.
type Fit struct {
	Slope     float64
	Intercept float64
	RSquared  float64
}

// At evaluates the line at index x.
func (f Fit) At(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// LinearRegression fits values against their index 0..n-1.
func LinearRegression(values []float64) Fit {
	n := len(values)
	if n == 0 {
		return Fit{}
	}
	if n == 1 {
		return Fit{Intercept: values[0]}
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	return LinearRegressionXY(xs, values)
}

// LinearRegressionXY fits ys against xs.
func LinearRegressionXY(xs, ys []float64) Fit {
	if len(xs) < 2 || len(xs) != len(ys) {
		return Fit{Intercept: Mean(ys)}
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		// Constant series: the line is exact.
		r2 = 1
	}
	if math.IsNaN(beta) {
		beta = 0
		alpha = Mean(ys)
	}
	return Fit{Slope: beta, Intercept: alpha, RSquared: r2}
}

// Autocorrelation is the Pearson correlation between the series and itself
// shifted by lag. It is 0 when the lag leaves fewer than two overlapping
// points or either side is constant.
func Autocorrelation(values []float64, lag int) float64 {
	if lag <= 0 || len(values)-lag < 2 {
		return 0
	}
	return Correlation(values[:len(values)-lag], values[lag:])
}

// Correlation is the Pearson correlation of two equal-length series, 0 when
// undefined.
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return c
}

// Median of values, 0 when empty.
func Median(values []float64) float64 {
	return Percentile(Sorted(values), 50)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
