package learning

import (
	"context"
	"time"

	"tx/internal/logging"
	"tx/internal/retrieval"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// CONTEXT ASSEMBLER
// =============================================================================

// contextLimit is how many learnings a task context carries.
const contextLimit = 10

// TaskContext is the retrieval result handed to an agent picking up a task.
type TaskContext struct {
	TaskID         string                 `json:"taskId"`
	TaskTitle      string                 `json:"taskTitle"`
	Learnings      []types.ScoredLearning `json:"learnings"`
	SearchQuery    string                 `json:"searchQuery"`
	SearchDuration time.Duration          `json:"searchDurationMs"`
}

// ContextAssembler composes the relevant-learnings bundle for a task.
type ContextAssembler struct {
	store    *store.Store
	pipeline *retrieval.Pipeline
}

// NewContextAssembler creates a context assembler.
func NewContextAssembler(st *store.Store, pipeline *retrieval.Pipeline) *ContextAssembler {
	return &ContextAssembler{store: st, pipeline: pipeline}
}

// GetContext searches the learning store with the task's title and
// description and reports the wall-clock search cost.
func (a *ContextAssembler) GetContext(ctx context.Context, taskID string) (TaskContext, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "GetContext")
	defer timer.Stop()

	t, err := a.store.GetTask(taskID)
	if err != nil {
		return TaskContext{}, err
	}

	query := t.Title
	if t.Description != "" {
		query += "\n" + t.Description
	}

	start := time.Now()
	learnings, err := a.pipeline.Search(ctx, query, retrieval.Options{Limit: contextLimit})
	if err != nil {
		return TaskContext{}, err
	}
	elapsed := time.Since(start)

	logging.Retrieval("Context for task %s: %d learnings in %s", taskID, len(learnings), elapsed)
	return TaskContext{
		TaskID:         t.ID,
		TaskTitle:      t.Title,
		Learnings:      learnings,
		SearchQuery:    query,
		SearchDuration: elapsed,
	}, nil
}
