// Package rollback journals reverted changes.
//
// Every rollback of an optimization action or cost optimization is written
// as a rollback record so operators can see what was undone, why, and
// whether the revert itself succeeded. The journal also summarizes rollback
// patterns: which change kinds are reverted most and for what reasons.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
)

// Subject kinds.
const (
	SubjectAction           = "action"
	SubjectCostOptimization = "cost_optimization"
)

// Entry is one journaled rollback.
type Entry struct {
	ID          string            `json:"id"`
	SubjectKind string            `json:"subject_kind"`
	SubjectID   string            `json:"subject_id"`
	ChangeKind  string            `json:"change_kind"`
	Resource    string            `json:"resource"`
	Reason      string            `json:"reason"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Undo        map[string]string `json:"undo,omitempty"`
	At          time.Time         `json:"at"`
}

// Patterns summarizes the journal.
type Patterns struct {
	Total        int            `json:"total"`
	Failed       int            `json:"failed"`
	ByReason     map[string]int `json:"by_reason"`
	ByChangeKind map[string]int `json:"by_change_kind"`
}

// Journal persists rollback entries.
type Journal struct {
	store  db.RecordStore
	logger *zap.Logger
	now    func() time.Time
}

// NewJournal creates a journal backed by store.
func NewJournal(store db.RecordStore, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{store: store, logger: logger, now: time.Now}
}

// Record writes e, assigning its ID and timestamp when unset.
func (j *Journal) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = j.now().UTC()
	}
	if err := j.store.PutRecord(ctx, db.KindRollback, e.ID, e, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("put_rollback").Inc()
		return fmt.Errorf("journal rollback: %w", err)
	}
	status := "success"
	if !e.Success {
		status = "failed"
	}
	metrics.RollbacksTotal.WithLabelValues(e.SubjectKind).Inc()
	j.logger.Info("rollback journaled",
		zap.String("subject_kind", e.SubjectKind),
		zap.String("subject_id", e.SubjectID),
		zap.String("change_kind", e.ChangeKind),
		zap.String("reason", e.Reason),
		zap.String("status", status),
	)
	return nil
}

// History returns the newest limit entries, newest first. A non-positive
// limit returns everything.
func (j *Journal) History(ctx context.Context, limit int) ([]*Entry, error) {
	all, err := db.List[Entry](ctx, j.store, db.KindRollback)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(a, b int) bool { return all[a].At.After(all[b].At) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ForSubject returns the entries of one action or cost optimization, oldest
// first.
func (j *Journal) ForSubject(ctx context.Context, subjectID string) ([]*Entry, error) {
	all, err := db.List[Entry](ctx, j.store, db.KindRollback)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].At.Before(out[b].At) })
	return out, nil
}

// Analyze counts entries by reason and change kind.
func (j *Journal) Analyze(ctx context.Context) (*Patterns, error) {
	all, err := db.List[Entry](ctx, j.store, db.KindRollback)
	if err != nil {
		return nil, err
	}
	p := &Patterns{ByReason: map[string]int{}, ByChangeKind: map[string]int{}}
	for _, e := range all {
		p.Total++
		if !e.Success {
			p.Failed++
		}
		p.ByReason[e.Reason]++
		p.ByChangeKind[e.ChangeKind]++
	}
	return p, nil
}
