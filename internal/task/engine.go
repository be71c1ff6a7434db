// Package task implements the task graph engine and the ready scheduler:
// lifecycle transitions, dependency edges with cycle rejection, hierarchy
// traversals, and the ready-frontier computation.
package task

import (
	"time"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// TASK GRAPH ENGINE
// =============================================================================

// idRetries bounds regeneration attempts on task id collision.
const idRetries = 5

// legalTransitions lists the permitted status moves. Absent pairs are
// illegal. done reopens only to active.
var legalTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.StatusBacklog:          {types.StatusReady, types.StatusPlanning, types.StatusActive, types.StatusBlocked, types.StatusDone},
	types.StatusReady:            {types.StatusPlanning, types.StatusActive, types.StatusBlocked, types.StatusDone, types.StatusBacklog},
	types.StatusPlanning:         {types.StatusActive, types.StatusBlocked, types.StatusReview, types.StatusDone, types.StatusBacklog},
	types.StatusActive:           {types.StatusBlocked, types.StatusReview, types.StatusHumanNeedsReview, types.StatusDone, types.StatusBacklog},
	types.StatusBlocked:          {types.StatusReady, types.StatusActive, types.StatusDone, types.StatusBacklog},
	types.StatusReview:           {types.StatusActive, types.StatusHumanNeedsReview, types.StatusDone, types.StatusBacklog},
	types.StatusHumanNeedsReview: {types.StatusActive, types.StatusDone, types.StatusBacklog},
	types.StatusDone:             {types.StatusActive},
}

// ValidTransition reports whether from -> to is a legal status move.
// Same-status "moves" are always permitted.
func ValidTransition(from, to types.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Engine exposes the task graph operations over the store.
type Engine struct {
	store *store.Store
}

// NewEngine creates a task graph engine.
func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// CreateParams are the caller-supplied fields for a new task.
type CreateParams struct {
	Title       string
	Description string
	Status      types.TaskStatus // default backlog
	Score       *int             // default 500
	ParentID    string
	Metadata    map[string]interface{}
}

// Create validates and persists a new task, retrying id generation on the
// unlikely collision.
func (e *Engine) Create(p CreateParams) (types.Task, error) {
	timer := logging.StartTimer(logging.CategoryTasks, "Create")
	defer timer.Stop()

	if p.Title == "" {
		return types.Task{}, txerr.Validation("task title must be non-empty")
	}
	status := p.Status
	if status == "" {
		status = types.StatusBacklog
	}
	if !types.ValidTaskStatus(status) {
		return types.Task{}, txerr.Validation("unknown task status %q", status)
	}
	score := types.DefaultScore
	if p.Score != nil {
		score = *p.Score
	}
	if score < 0 || score > types.MaxScore {
		return types.Task{}, txerr.Validation("score %d out of range [0, %d]", score, types.MaxScore)
	}
	if p.ParentID != "" {
		if err := e.checkParentDepth(p.ParentID); err != nil {
			return types.Task{}, err
		}
	}

	now := types.Now()
	t := types.Task{
		Title:       p.Title,
		Description: p.Description,
		Status:      status,
		Score:       score,
		ParentID:    p.ParentID,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == types.StatusDone {
		t.CompletedAt = &now
	}

	var err error
	for attempt := 0; attempt < idRetries; attempt++ {
		t.ID = types.NewTaskID()
		err = e.store.InsertTask(t)
		if err == nil {
			logging.Get(logging.CategoryTasks).Info("Created task %s (%q, status=%s, score=%d)", t.ID, t.Title, t.Status, t.Score)
			return t, nil
		}
		if !txerr.Is(err, txerr.KindValidation) {
			return types.Task{}, err
		}
	}
	return types.Task{}, txerr.Wrap(txerr.KindInternal, err, "could not allocate a unique task id after %d attempts", idRetries)
}

// checkParentDepth verifies the parent exists and its chain leaves room for
// one more level.
func (e *Engine) checkParentDepth(parentID string) error {
	if _, err := e.store.GetTask(parentID); err != nil {
		return err
	}
	ancestors, err := e.store.GetAncestors(parentID)
	if err != nil {
		return err
	}
	if len(ancestors)+1 >= types.MaxParentDepth {
		return txerr.Validation("parent chain would exceed max depth %d", types.MaxParentDepth)
	}
	return nil
}

// Get fetches one task by id.
func (e *Engine) Get(id string) (types.Task, error) {
	return e.store.GetTask(id)
}

// List pages through tasks with the given filter.
func (e *Engine) List(f store.TaskFilter) (store.TaskPage, error) {
	return e.store.ListTasks(f)
}

// UpdateParams are the optional partial changes for Update. Nil pointers
// leave the field untouched.
type UpdateParams struct {
	Title       *string
	Description *string
	Status      *types.TaskStatus
	Score       *int
	ParentID    *string // empty string clears the parent
	Metadata    map[string]interface{}

	// ExpectedUpdatedAt enables optimistic locking when set.
	ExpectedUpdatedAt *time.Time
}

// Update applies a partial change set. Status changes are validated against
// the transition table; done stamps completedAt, leaving done clears it.
func (e *Engine) Update(id string, p UpdateParams) (types.Task, error) {
	timer := logging.StartTimer(logging.CategoryTasks, "Update")
	defer timer.Stop()

	current, err := e.store.GetTask(id)
	if err != nil {
		return types.Task{}, err
	}

	fields := make(map[string]interface{})
	if p.Title != nil {
		if *p.Title == "" {
			return types.Task{}, txerr.Validation("task title must be non-empty")
		}
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.Score != nil {
		if *p.Score < 0 || *p.Score > types.MaxScore {
			return types.Task{}, txerr.Validation("score %d out of range [0, %d]", *p.Score, types.MaxScore)
		}
		fields["score"] = *p.Score
	}
	if p.Metadata != nil {
		fields["metadata"] = store.MarshalMetadata(p.Metadata)
	}
	if p.Status != nil {
		if !types.ValidTaskStatus(*p.Status) {
			return types.Task{}, txerr.Validation("unknown task status %q", *p.Status)
		}
		if !ValidTransition(current.Status, *p.Status) {
			return types.Task{}, txerr.New(txerr.KindIllegalTransition,
				"illegal status transition %s -> %s for task %s", current.Status, *p.Status, id)
		}
		fields["status"] = string(*p.Status)
		switch {
		case *p.Status == types.StatusDone && current.Status != types.StatusDone:
			fields["completed_at"] = store.ToMillis(types.Now())
		case *p.Status != types.StatusDone && current.Status == types.StatusDone:
			fields["completed_at"] = nil
		}
	}
	if p.ParentID != nil {
		if err := e.checkReparent(id, *p.ParentID); err != nil {
			return types.Task{}, err
		}
		if *p.ParentID == "" {
			fields["parent_id"] = nil
		} else {
			fields["parent_id"] = *p.ParentID
		}
	}
	if len(fields) == 0 {
		return current, nil
	}

	if p.ExpectedUpdatedAt != nil {
		return e.store.UpdateTaskChecked(id, *p.ExpectedUpdatedAt, fields)
	}
	return e.store.UpdateTask(id, fields)
}

// checkReparent rejects self-parenting and moves under the task's own
// subtree.
func (e *Engine) checkReparent(id, newParent string) error {
	if newParent == "" {
		return nil
	}
	if newParent == id {
		return txerr.Validation("task %s cannot be its own parent", id)
	}
	if _, err := e.store.GetTask(newParent); err != nil {
		return err
	}
	descendants, err := e.store.GetDescendants(id)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.ID == newParent {
			return txerr.Validation("cannot re-parent task %s under its own descendant %s", id, newParent)
		}
	}
	if err := e.checkParentDepth(newParent); err != nil {
		return err
	}
	return nil
}

// Remove deletes a task and every dependency edge referencing it. Without
// cascade, a task with children fails with HasChildren.
func (e *Engine) Remove(id string, cascade bool) error {
	return e.store.DeleteTask(id, cascade)
}

// =============================================================================
// DEPENDENCY EDGES
// =============================================================================

// AddBlocker records that blockerID must finish before taskID. Self-edges
// and edges that would close a cycle are rejected.
func (e *Engine) AddBlocker(taskID, blockerID string) error {
	timer := logging.StartTimer(logging.CategoryTasks, "AddBlocker")
	defer timer.Stop()

	if taskID == blockerID {
		return txerr.Validation("task %s cannot block itself", taskID)
	}
	if _, err := e.store.GetTask(taskID); err != nil {
		return err
	}
	if _, err := e.store.GetTask(blockerID); err != nil {
		return err
	}
	cycle, err := e.store.WouldCreateCycle(blockerID, taskID)
	if err != nil {
		return err
	}
	if cycle {
		return txerr.New(txerr.KindCircularDependency,
			"adding blocker %s to %s would create a dependency cycle", blockerID, taskID)
	}
	return e.store.AddDep(blockerID, taskID)
}

// RemoveBlocker deletes the dependency edge; removing a missing edge is a
// no-op.
func (e *Engine) RemoveBlocker(taskID, blockerID string) error {
	if _, err := e.store.GetTask(taskID); err != nil {
		return err
	}
	return e.store.RemoveDep(blockerID, taskID)
}

// =============================================================================
// COMPUTED VIEWS
// =============================================================================

// GetWithDeps returns the task annotated with blockers, blocked tasks,
// children, and readiness.
func (e *Engine) GetWithDeps(id string) (types.TaskWithDeps, error) {
	t, err := e.store.GetTask(id)
	if err != nil {
		return types.TaskWithDeps{}, err
	}
	blockedBy, err := e.store.Blockers(id)
	if err != nil {
		return types.TaskWithDeps{}, err
	}
	blocks, err := e.store.Blocking(id)
	if err != nil {
		return types.TaskWithDeps{}, err
	}
	children, err := e.store.GetChildren(id)
	if err != nil {
		return types.TaskWithDeps{}, err
	}
	childIDs := make([]string, 0, len(children))
	for _, c := range children {
		childIDs = append(childIDs, c.ID)
	}
	ready := false
	if types.IsWorkable(t.Status) {
		ready, err = e.store.BlockersDone(id)
		if err != nil {
			return types.TaskWithDeps{}, err
		}
	}
	return types.TaskWithDeps{
		Task:      t,
		BlockedBy: blockedBy,
		Blocks:    blocks,
		Children:  childIDs,
		IsReady:   ready,
	}, nil
}

// GetChildren returns the direct children ordered by score/id.
func (e *Engine) GetChildren(id string) ([]types.Task, error) {
	if _, err := e.store.GetTask(id); err != nil {
		return nil, err
	}
	return e.store.GetChildren(id)
}

// GetAncestors walks the parent chain upward, nearest first.
func (e *Engine) GetAncestors(id string) ([]types.Task, error) {
	if _, err := e.store.GetTask(id); err != nil {
		return nil, err
	}
	return e.store.GetAncestors(id)
}

// GetDescendants returns the subtree below a task.
func (e *Engine) GetDescendants(id string) ([]types.Task, error) {
	if _, err := e.store.GetTask(id); err != nil {
		return nil, err
	}
	return e.store.GetDescendants(id)
}

// GetTree builds the hierarchical tree rooted at id. A visited set
// terminates traversal even on self-referencing rows.
func (e *Engine) GetTree(id string) (*types.TaskTreeNode, error) {
	timer := logging.StartTimer(logging.CategoryTasks, "GetTree")
	defer timer.Stop()

	root, err := e.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{id: true}
	return e.buildTree(root, visited, 0)
}

func (e *Engine) buildTree(t types.Task, visited map[string]bool, depth int) (*types.TaskTreeNode, error) {
	node := &types.TaskTreeNode{Task: t}
	if depth >= types.MaxParentDepth {
		return node, nil
	}
	children, err := e.store.GetChildren(t.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if visited[c.ID] {
			continue
		}
		visited[c.ID] = true
		child, err := e.buildTree(c, visited, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
