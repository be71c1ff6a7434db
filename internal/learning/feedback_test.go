package learning

import (
	"context"
	"math"
	"testing"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

func insertRun(t *testing.T, st *store.Store) string {
	t.Helper()
	now := types.Now()
	r := types.Run{
		ID: types.NewRunID(), Agent: "claude", Status: types.RunRunning,
		LastActivityAt: now, LastCheckAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.InsertRun(r); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	return r.ID
}

func TestFeedbackScorePrior(t *testing.T) {
	st, svc := newTestService(t)
	tracker := NewFeedbackTracker(st)

	l, err := svc.Create(context.Background(), CreateParams{Content: "Keep FTS queries quoted to survive operators"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// No usage history: the neutral prior.
	score, err := tracker.FeedbackScore(l.ID)
	if err != nil {
		t.Fatalf("FeedbackScore failed: %v", err)
	}
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("unused learning score = %v, want 0.5", score)
	}
}

func TestRecordUsageAndScore(t *testing.T) {
	st, svc := newTestService(t)
	tracker := NewFeedbackTracker(st)
	runID := insertRun(t, st)

	l, err := svc.Create(context.Background(), CreateParams{Content: "Retry BUSY with jittered backoff"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = tracker.RecordUsage(runID, []Usage{
		{LearningID: l.ID, Helpful: true},
	})
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	second := insertRun(t, st)
	err = tracker.RecordUsage(second, []Usage{
		{LearningID: l.ID, Helpful: true},
		{LearningID: l.ID, Helpful: false},
	})
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	// 2 helpful of 3 uses under the (0.5, 2.0) prior: (2+1)/(3+2).
	score, err := tracker.FeedbackScore(l.ID)
	if err != nil {
		t.Fatalf("FeedbackScore failed: %v", err)
	}
	if math.Abs(score-0.6) > 1e-9 {
		t.Errorf("score = %v, want 0.6", score)
	}

	got, err := svc.Get(l.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UsageCount < 3 {
		t.Errorf("usage count = %d, want at least 3", got.UsageCount)
	}
}

func TestRecordUsageValidation(t *testing.T) {
	st, svc := newTestService(t)
	tracker := NewFeedbackTracker(st)
	runID := insertRun(t, st)

	// Empty usage list is a no-op.
	if err := tracker.RecordUsage(runID, nil); err != nil {
		t.Errorf("empty usage list errored: %v", err)
	}

	if err := tracker.RecordUsage("run-nope", []Usage{{LearningID: 1}}); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("unknown run: kind = %v, want not_found", txerr.KindOf(err))
	}
	if err := tracker.RecordUsage(runID, []Usage{{LearningID: 99999}}); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("unknown learning: kind = %v, want not_found", txerr.KindOf(err))
	}

	// Deleted learnings no longer accept feedback.
	l, err := svc.Create(context.Background(), CreateParams{Content: "Stale advice about a removed module"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Delete(l.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := tracker.RecordUsage(runID, []Usage{{LearningID: l.ID, Helpful: true}}); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("deleted learning: kind = %v, want not_found", txerr.KindOf(err))
	}
}
