package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// trendMargin is the change in success rate between the halves of a
// report window that counts as a trend.
const trendMargin = 0.1

// GenerateReport aggregates the decisions created during the last period
// and persists the report.
func (e *Engine) GenerateReport(ctx context.Context, period models.ReportPeriod) (*models.Report, error) {
	span := period.Duration()
	if span == 0 {
		return nil, fmt.Errorf("unknown report period %q", period)
	}
	now := e.now().UTC()
	r := &models.Report{
		ID:          uuid.New().String(),
		Period:      period,
		From:        now.Add(-span),
		To:          now,
		ByStatus:    make(map[models.DecisionStatus]int),
		ByType:      make(map[models.DecisionType]int),
		Trend:       models.TrendSteady,
		GeneratedAt: now,
	}

	all, err := db.List[models.OptimizationDecision](ctx, e.store, db.KindDecision)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	mid := r.From.Add(span / 2)
	var (
		succeeded, finished int
		gains               float64
		halves              [2]struct{ ok, done int }
	)
	for _, d := range all {
		if d.CreatedAt.Before(r.From) || d.CreatedAt.After(r.To) {
			continue
		}
		r.TotalDecisions++
		r.ByStatus[d.Status]++
		r.ByType[d.Type]++
		if d.AutoApprove {
			r.AutoApproved++
		}

		if d.Status != models.DecisionCompleted && d.Status != models.DecisionFailed {
			continue
		}
		half := 0
		if !d.CreatedAt.Before(mid) {
			half = 1
		}
		finished++
		halves[half].done++
		if d.Status == models.DecisionCompleted {
			succeeded++
			halves[half].ok++
			if d.Result != nil {
				r.TotalSavings += d.Result.ActualImpact.Savings()
				gains += d.Result.ActualImpact.PerformanceGain
			}
		}
	}
	if finished > 0 {
		r.SuccessRate = float64(succeeded) / float64(finished)
	}
	if succeeded > 0 {
		r.PerformanceImprovement = gains / float64(succeeded)
	}
	if halves[0].done > 0 && halves[1].done > 0 {
		first := float64(halves[0].ok) / float64(halves[0].done)
		second := float64(halves[1].ok) / float64(halves[1].done)
		switch {
		case second-first > trendMargin:
			r.Trend = models.TrendImproving
		case first-second > trendMargin:
			r.Trend = models.TrendDegrading
		}
	}

	if anomalies, err := e.detector.ListActiveAnomalies(ctx); err != nil {
		e.logger.Warn("report without anomaly count", zap.Error(err))
	} else {
		r.ActiveAnomalies = len(anomalies)
	}
	if alerts, err := e.collector.ListActiveAlerts(ctx); err != nil {
		e.logger.Warn("report without alert count", zap.Error(err))
	} else {
		r.ActiveAlerts = len(alerts)
	}

	if err := e.store.PutRecord(ctx, db.KindReport, r.ID, r, db.ReportTTL); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	e.logger.Info("report generated",
		zap.String("id", r.ID),
		zap.String("period", string(period)),
		zap.Int("decisions", r.TotalDecisions),
		zap.Float64("success_rate", r.SuccessRate),
		zap.Float64("savings", r.TotalSavings),
		zap.String("trend", string(r.Trend)),
	)
	return r, nil
}

// GetReport loads a persisted report.
func (e *Engine) GetReport(ctx context.Context, id string) (*models.Report, error) {
	r, err := db.Get[models.Report](ctx, e.store, db.KindReport, id)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", id, err)
	}
	return r, nil
}
