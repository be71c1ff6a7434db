package learning

import (
	"fmt"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// USAGE FEEDBACK (Bayesian)
// =============================================================================

// Bayesian prior for feedback scoring: with no usage history a learning is
// neutral rather than untrusted.
const (
	feedbackPrior       = 0.5
	feedbackPriorWeight = 2.0
)

// FeedbackTracker records which learnings a run used and how that worked
// out, as USED_IN_RUN edges in the knowledge graph.
type FeedbackTracker struct {
	store *store.Store
}

// NewFeedbackTracker creates a feedback tracker.
func NewFeedbackTracker(st *store.Store) *FeedbackTracker {
	return &FeedbackTracker{store: st}
}

// Usage is one learning's participation in a run.
type Usage struct {
	LearningID int64 `json:"learningId"`
	Helpful    bool  `json:"helpful"`
}

// RecordUsage creates one USED_IN_RUN edge per learning. Helpful usage
// carries weight 1.0, unhelpful 0.0; the metadata keeps the position.
func (f *FeedbackTracker) RecordUsage(runID string, usages []Usage) error {
	timer := logging.StartTimer(logging.CategoryLearnings, "RecordUsage")
	defer timer.Stop()

	if len(usages) == 0 {
		return nil
	}
	if _, err := f.store.GetRun(runID); err != nil {
		return err
	}

	now := types.Now()
	edges := make([]types.Edge, 0, len(usages))
	ids := make([]int64, 0, len(usages))
	for i, u := range usages {
		if _, err := f.store.GetLearning(u.LearningID); err != nil {
			return err
		}
		weight := 0.0
		if u.Helpful {
			weight = 1.0
		}
		edges = append(edges, types.Edge{
			SourceType: types.NodeLearning,
			SourceID:   fmt.Sprint(u.LearningID),
			EdgeType:   types.EdgeUsedInRun,
			TargetType: types.NodeRun,
			TargetID:   runID,
			Weight:     weight,
			Metadata: map[string]interface{}{
				"position":   i,
				"recordedAt": now.Format("2006-01-02T15:04:05.000Z07:00"),
			},
			CreatedAt: now,
		})
		ids = append(ids, u.LearningID)
	}

	if err := f.store.InsertEdges(edges); err != nil {
		return err
	}
	if err := f.store.TouchLearningUsage(ids, now); err != nil {
		logging.Get(logging.CategoryLearnings).Warn("Usage touch after feedback failed: %v", err)
	}
	logging.Get(logging.CategoryLearnings).Debug("Recorded %d usages for run %s", len(usages), runID)
	return nil
}

// FeedbackScore is the Bayesian mean over a learning's live USED_IN_RUN
// edges: (helpful + prior*priorWeight) / (total + priorWeight). With no
// edges it returns the 0.5 prior.
func (f *FeedbackTracker) FeedbackScore(learningID int64) (float64, error) {
	total, helpful, err := f.store.FeedbackCounts(learningID)
	if err != nil {
		return 0, err
	}
	return (float64(helpful) + feedbackPrior*feedbackPriorWeight) / (float64(total) + feedbackPriorWeight), nil
}
