package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st)
}

func mustCreate(t *testing.T, e *Engine, p CreateParams) types.Task {
	t.Helper()
	created, err := e.Create(p)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", p.Title, err)
	}
	return created
}

func TestCreateDefaults(t *testing.T) {
	e := newTestEngine(t)

	created := mustCreate(t, e, CreateParams{Title: "set up CI"})
	if !types.ValidTaskID(created.ID) {
		t.Fatalf("generated id %q does not match the task id format", created.ID)
	}
	if created.Status != types.StatusBacklog {
		t.Errorf("default status = %s, want backlog", created.Status)
	}
	if created.Score != types.DefaultScore {
		t.Errorf("default score = %d, want %d", created.Score, types.DefaultScore)
	}
	if created.CompletedAt != nil {
		t.Errorf("new task has completedAt set")
	}
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.Create(CreateParams{}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("empty title: kind = %v, want validation", txerr.KindOf(err))
	}

	bad := 1001
	if _, err := e.Create(CreateParams{Title: "x", Score: &bad}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("score 1001: kind = %v, want validation", txerr.KindOf(err))
	}

	if _, err := e.Create(CreateParams{Title: "x", Status: "sleeping"}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("bad status: kind = %v, want validation", txerr.KindOf(err))
	}

	if _, err := e.Create(CreateParams{Title: "x", ParentID: "tx-missing1"}); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("missing parent: kind = %v, want not_found", txerr.KindOf(err))
	}
}

func TestStatusTransitions(t *testing.T) {
	e := newTestEngine(t)
	created := mustCreate(t, e, CreateParams{Title: "implement parser"})

	setStatus := func(s types.TaskStatus) (types.Task, error) {
		return e.Update(created.ID, UpdateParams{Status: &s})
	}

	// Walk a legal chain and check completedAt stamping.
	for _, s := range []types.TaskStatus{types.StatusReady, types.StatusActive, types.StatusDone} {
		if _, err := setStatus(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	got, err := e.Get(created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatalf("done task has no completedAt")
	}

	// done reopens only to active, and reopening clears completedAt.
	if _, err := setStatus(types.StatusReview); txerr.KindOf(err) != txerr.KindIllegalTransition {
		t.Errorf("done -> review: kind = %v, want illegal_transition", txerr.KindOf(err))
	}
	reopened, err := setStatus(types.StatusActive)
	if err != nil {
		t.Fatalf("done -> active failed: %v", err)
	}
	if reopened.CompletedAt != nil {
		t.Errorf("reopened task still has completedAt")
	}

	// Same-status update is a no-op, not an error.
	if _, err := setStatus(types.StatusActive); err != nil {
		t.Errorf("active -> active failed: %v", err)
	}
}

func TestOptimisticLocking(t *testing.T) {
	e := newTestEngine(t)
	created := mustCreate(t, e, CreateParams{Title: "v1"})

	title := "v2"
	updated, err := e.Update(created.ID, UpdateParams{Title: &title, ExpectedUpdatedAt: &created.UpdatedAt})
	if err != nil {
		t.Fatalf("checked update failed: %v", err)
	}

	// The stale timestamp no longer matches.
	title = "v3"
	_, err = e.Update(created.ID, UpdateParams{Title: &title, ExpectedUpdatedAt: &created.UpdatedAt})
	if txerr.KindOf(err) != txerr.KindStaleData {
		t.Fatalf("stale update: kind = %v, want stale_data", txerr.KindOf(err))
	}

	// The fresh timestamp works.
	if _, err := e.Update(created.ID, UpdateParams{Title: &title, ExpectedUpdatedAt: &updated.UpdatedAt}); err != nil {
		t.Fatalf("fresh checked update failed: %v", err)
	}
}

func TestBlockerCycleRejection(t *testing.T) {
	e := newTestEngine(t)
	a := mustCreate(t, e, CreateParams{Title: "a"})
	b := mustCreate(t, e, CreateParams{Title: "b"})
	c := mustCreate(t, e, CreateParams{Title: "c"})

	if err := e.AddBlocker(a.ID, a.ID); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("self edge: kind = %v, want validation", txerr.KindOf(err))
	}
	if err := e.AddBlocker(b.ID, a.ID); err != nil {
		t.Fatalf("AddBlocker(b, a) failed: %v", err)
	}
	if err := e.AddBlocker(c.ID, b.ID); err != nil {
		t.Fatalf("AddBlocker(c, b) failed: %v", err)
	}
	// a -> b -> c; closing the loop must be rejected.
	if err := e.AddBlocker(a.ID, c.ID); txerr.KindOf(err) != txerr.KindCircularDependency {
		t.Errorf("cycle edge: kind = %v, want circular_dependency", txerr.KindOf(err))
	}

	// Removing an edge reopens the path.
	if err := e.RemoveBlocker(b.ID, a.ID); err != nil {
		t.Fatalf("RemoveBlocker failed: %v", err)
	}
	if err := e.AddBlocker(a.ID, c.ID); err != nil {
		t.Fatalf("AddBlocker after removal failed: %v", err)
	}
}

func TestReparentRejections(t *testing.T) {
	e := newTestEngine(t)
	root := mustCreate(t, e, CreateParams{Title: "root"})
	child := mustCreate(t, e, CreateParams{Title: "child", ParentID: root.ID})

	self := root.ID
	if _, err := e.Update(root.ID, UpdateParams{ParentID: &self}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("self parent: kind = %v, want validation", txerr.KindOf(err))
	}
	under := child.ID
	if _, err := e.Update(root.ID, UpdateParams{ParentID: &under}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("parent under own descendant: kind = %v, want validation", txerr.KindOf(err))
	}

	// Clearing the parent promotes the child to a root.
	none := ""
	promoted, err := e.Update(child.ID, UpdateParams{ParentID: &none})
	if err != nil {
		t.Fatalf("clearing parent failed: %v", err)
	}
	if promoted.ParentID != "" {
		t.Errorf("parent not cleared: %q", promoted.ParentID)
	}
}

func TestParentDepthLimit(t *testing.T) {
	e := newTestEngine(t)

	parent := mustCreate(t, e, CreateParams{Title: "level 0"})
	var err error
	for i := 1; i < types.MaxParentDepth; i++ {
		parent, err = e.Create(CreateParams{Title: "level", ParentID: parent.ID})
		if err != nil {
			t.Fatalf("create at depth %d failed: %v", i, err)
		}
	}
	if _, err := e.Create(CreateParams{Title: "too deep", ParentID: parent.ID}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("over-depth create: kind = %v, want validation", txerr.KindOf(err))
	}
}

func TestRemoveWithChildren(t *testing.T) {
	e := newTestEngine(t)
	root := mustCreate(t, e, CreateParams{Title: "root"})
	child := mustCreate(t, e, CreateParams{Title: "child", ParentID: root.ID})

	if err := e.Remove(root.ID, false); txerr.KindOf(err) != txerr.KindHasChildren {
		t.Fatalf("remove with children: kind = %v, want has_children", txerr.KindOf(err))
	}
	if err := e.Remove(root.ID, true); err != nil {
		t.Fatalf("cascade remove failed: %v", err)
	}
	if _, err := e.Get(child.ID); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("child survived cascade: kind = %v", txerr.KindOf(err))
	}
}

func TestGetTree(t *testing.T) {
	e := newTestEngine(t)
	hi, lo := 900, 100
	root := mustCreate(t, e, CreateParams{Title: "root"})
	left := mustCreate(t, e, CreateParams{Title: "left", ParentID: root.ID, Score: &hi})
	right := mustCreate(t, e, CreateParams{Title: "right", ParentID: root.ID, Score: &lo})
	leaf := mustCreate(t, e, CreateParams{Title: "leaf", ParentID: left.ID})

	tree, err := e.GetTree(root.ID)
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}

	var walk func(n *types.TaskTreeNode) []string
	walk = func(n *types.TaskTreeNode) []string {
		ids := []string{n.Task.ID}
		for _, c := range n.Children {
			ids = append(ids, walk(c)...)
		}
		return ids
	}
	// Children order follows score DESC, so left (900) precedes right (100).
	want := []string{root.ID, left.ID, leaf.ID, right.ID}
	if diff := cmp.Diff(want, walk(tree)); diff != "" {
		t.Errorf("tree order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetWithDepsReadiness(t *testing.T) {
	e := newTestEngine(t)
	blocker := mustCreate(t, e, CreateParams{Title: "blocker", Status: types.StatusReady})
	blocked := mustCreate(t, e, CreateParams{Title: "blocked", Status: types.StatusReady})
	if err := e.AddBlocker(blocked.ID, blocker.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}

	twd, err := e.GetWithDeps(blocked.ID)
	if err != nil {
		t.Fatalf("GetWithDeps failed: %v", err)
	}
	if twd.IsReady {
		t.Errorf("task with open blocker reported ready")
	}

	done := types.StatusDone
	if _, err := e.Update(blocker.ID, UpdateParams{Status: &done}); err != nil {
		t.Fatalf("completing blocker failed: %v", err)
	}
	twd, err = e.GetWithDeps(blocked.ID)
	if err != nil {
		t.Fatalf("GetWithDeps failed: %v", err)
	}
	if !twd.IsReady {
		t.Errorf("task with done blocker not ready")
	}
}
