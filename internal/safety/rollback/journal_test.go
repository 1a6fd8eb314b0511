package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
)

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJournalRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(newTestStore(t), zap.NewNop())
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, reason := range []string{"manual", "decision failed", "manual"} {
		require.NoError(t, j.Record(ctx, &Entry{
			SubjectKind: SubjectAction,
			SubjectID:   "a1",
			ChangeKind:  "SCALE_OUT",
			Reason:      reason,
			Success:     i != 1,
			At:          base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, j.Record(ctx, &Entry{
		SubjectKind: SubjectCostOptimization,
		SubjectID:   "c1",
		ChangeKind:  "RIGHT_SIZING",
		Reason:      "manual",
		Success:     true,
		At:          base.Add(time.Hour),
	}))

	latest, err := j.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "c1", latest[0].SubjectID)
	assert.NotEmpty(t, latest[0].ID)

	forA, err := j.ForSubject(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, forA, 3)
	assert.Equal(t, "decision failed", forA[1].Reason)

	p, err := j.Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 3, p.ByReason["manual"])
	assert.Equal(t, 3, p.ByChangeKind["SCALE_OUT"])
}

func TestJournalAssignsTimestamp(t *testing.T) {
	j := NewJournal(newTestStore(t), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	e := &Entry{SubjectKind: SubjectAction, SubjectID: "a"}
	require.NoError(t, j.Record(context.Background(), e))
	assert.True(t, e.At.Equal(fixed))
}
