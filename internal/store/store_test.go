package store

import (
	"fmt"
	"testing"

	"tx/internal/txerr"
	"tx/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTask(t *testing.T, st *Store, id string, score int, status types.TaskStatus) types.Task {
	t.Helper()
	now := types.Now()
	task := types.Task{
		ID: id, Title: "task " + id, Status: status,
		Score: score, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.InsertTask(task); err != nil {
		t.Fatalf("InsertTask(%s) failed: %v", id, err)
	}
	return task
}

func insertWorker(t *testing.T, st *Store, id string) {
	t.Helper()
	now := types.Now()
	err := st.InsertWorker(types.Worker{
		ID: id, Hostname: "test", PID: 1,
		Status: types.WorkerIdle, RegisteredAt: now, LastHeartbeatAt: now,
	})
	if err != nil {
		t.Fatalf("InsertWorker(%s) failed: %v", id, err)
	}
}

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

func TestListTasksPagination(t *testing.T) {
	st := newTestStore(t)

	// Seven tasks, several sharing a score, to exercise the id tiebreak.
	scores := []int{900, 700, 700, 700, 500, 500, 100}
	for i, score := range scores {
		insertTask(t, st, fmt.Sprintf("tx-page%03d", i), score, types.StatusBacklog)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := st.ListTasks(TaskFilter{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if page.Total != len(scores) {
			t.Errorf("total = %d, want %d", page.Total, len(scores))
		}
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		pages++
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(seen) != len(scores) {
		t.Fatalf("saw %d tasks across pages, want %d", len(seen), len(scores))
	}
	// No duplicates, no gaps: every id appears exactly once, in score order.
	unique := make(map[string]bool, len(seen))
	for _, id := range seen {
		if unique[id] {
			t.Errorf("task %s returned twice across pages", id)
		}
		unique[id] = true
	}
	if seen[0] != "tx-page000" || seen[len(seen)-1] != "tx-page006" {
		t.Errorf("order = %v, want score DESC, id ASC", seen)
	}
}

func TestListTasksMalformedCursor(t *testing.T) {
	st := newTestStore(t)
	for _, cursor := range []string{"nocolon", ":tx-x", "500:", "abc:tx-x"} {
		if _, err := st.ListTasks(TaskFilter{Cursor: cursor}); txerr.KindOf(err) != txerr.KindValidation {
			t.Errorf("cursor %q: kind = %v, want validation", cursor, txerr.KindOf(err))
		}
	}
}

func TestListTasksSearchEscapesWildcards(t *testing.T) {
	st := newTestStore(t)

	now := types.Now()
	literal := types.Task{
		ID: "tx-escape01", Title: "handle 100% of cases", Status: types.StatusBacklog,
		Score: types.DefaultScore, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.InsertTask(literal); err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	insertTask(t, st, "tx-escape02", types.DefaultScore, types.StatusBacklog)

	// "100%" must match literally, not as a LIKE wildcard.
	page, err := st.ListTasks(TaskFilter{Search: "100%"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != literal.ID {
		t.Errorf("search %q matched %d tasks, want just %s", "100%", len(page.Items), literal.ID)
	}
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestAcquireClaimMutualExclusion(t *testing.T) {
	st := newTestStore(t)
	task := insertTask(t, st, "tx-claim001", types.DefaultScore, types.StatusReady)
	insertWorker(t, st, "wk-one")
	insertWorker(t, st, "wk-two")

	if _, err := st.AcquireClaim(task.ID, "wk-one"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := st.AcquireClaim(task.ID, "wk-two"); txerr.KindOf(err) != txerr.KindAlreadyClaimed {
		t.Errorf("second claim: kind = %v, want already_claimed", txerr.KindOf(err))
	}

	w, err := st.GetWorker("wk-one")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != types.WorkerBusy || w.CurrentTaskID != task.ID {
		t.Errorf("holder = %s/%s, want busy on %s", w.Status, w.CurrentTaskID, task.ID)
	}

	// Release frees the slot for the other worker.
	if err := st.ReleaseClaim(task.ID, "wk-one"); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	if _, err := st.AcquireClaim(task.ID, "wk-two"); err != nil {
		t.Errorf("claim after release failed: %v", err)
	}

	// Releasing an already-released claim stays quiet.
	if err := st.ReleaseClaim(task.ID, "wk-one"); err != nil {
		t.Errorf("idempotent release errored: %v", err)
	}
}

func TestReleaseClaimsByWorker(t *testing.T) {
	st := newTestStore(t)
	a := insertTask(t, st, "tx-bulk0001", types.DefaultScore, types.StatusReady)
	b := insertTask(t, st, "tx-bulk0002", types.DefaultScore, types.StatusReady)
	insertWorker(t, st, "wk-bulk")

	for _, task := range []types.Task{a, b} {
		if _, err := st.AcquireClaim(task.ID, "wk-bulk"); err != nil {
			t.Fatalf("AcquireClaim failed: %v", err)
		}
	}

	released, err := st.ReleaseClaimsByWorker("wk-bulk")
	if err != nil {
		t.Fatalf("ReleaseClaimsByWorker failed: %v", err)
	}
	if len(released) != 2 {
		t.Errorf("released %d tasks, want 2", len(released))
	}
	for _, task := range []types.Task{a, b} {
		c, err := st.ActiveClaimForTask(task.ID)
		if err != nil {
			t.Fatalf("ActiveClaimForTask failed: %v", err)
		}
		if c != nil {
			t.Errorf("task %s still claimed after bulk release", task.ID)
		}
	}

	// The worker goes back to idle with no current task.
	w, err := st.GetWorker("wk-bulk")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != types.WorkerIdle || w.CurrentTaskID != "" {
		t.Errorf("worker after bulk release = %s/%q, want idle with no task", w.Status, w.CurrentTaskID)
	}
}

func TestReleaseClaimsByWorkerKeepsDeadWorkersDead(t *testing.T) {
	st := newTestStore(t)
	task := insertTask(t, st, "tx-bulk0003", types.DefaultScore, types.StatusReady)
	insertWorker(t, st, "wk-gone")

	if _, err := st.AcquireClaim(task.ID, "wk-gone"); err != nil {
		t.Fatalf("AcquireClaim failed: %v", err)
	}
	// Reaping marks the worker dead before releasing its claims.
	if err := st.SetWorkerStatus("wk-gone", types.WorkerDead, ""); err != nil {
		t.Fatalf("SetWorkerStatus failed: %v", err)
	}
	if _, err := st.ReleaseClaimsByWorker("wk-gone"); err != nil {
		t.Fatalf("ReleaseClaimsByWorker failed: %v", err)
	}

	w, err := st.GetWorker("wk-gone")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.Status != types.WorkerDead {
		t.Errorf("status = %s, want dead to survive the bulk release", w.Status)
	}
	if w.CurrentTaskID != "" {
		t.Errorf("currentTaskId = %q, want cleared", w.CurrentTaskID)
	}
}

// =============================================================================
// DEPENDENCY GRAPH
// =============================================================================

func TestWouldCreateCycle(t *testing.T) {
	st := newTestStore(t)
	a := insertTask(t, st, "tx-cycle001", types.DefaultScore, types.StatusBacklog)
	b := insertTask(t, st, "tx-cycle002", types.DefaultScore, types.StatusBacklog)
	c := insertTask(t, st, "tx-cycle003", types.DefaultScore, types.StatusBacklog)

	// a blocks b, b blocks c.
	if err := st.AddDep(a.ID, b.ID); err != nil {
		t.Fatalf("AddDep failed: %v", err)
	}
	if err := st.AddDep(b.ID, c.ID); err != nil {
		t.Fatalf("AddDep failed: %v", err)
	}

	// c blocking a closes the loop through two hops.
	cycle, err := st.WouldCreateCycle(c.ID, a.ID)
	if err != nil {
		t.Fatalf("WouldCreateCycle failed: %v", err)
	}
	if !cycle {
		t.Errorf("transitive loop not detected")
	}

	// The reverse of an existing edge also cycles.
	cycle, err = st.WouldCreateCycle(b.ID, a.ID)
	if err != nil {
		t.Fatalf("WouldCreateCycle failed: %v", err)
	}
	if !cycle {
		t.Errorf("direct back-edge not detected")
	}

	// An unrelated edge is fine.
	cycle, err = st.WouldCreateCycle(a.ID, c.ID)
	if err != nil {
		t.Fatalf("WouldCreateCycle failed: %v", err)
	}
	if cycle {
		t.Errorf("redundant forward edge flagged as a cycle")
	}
}

func TestBlockersDone(t *testing.T) {
	st := newTestStore(t)
	blocker := insertTask(t, st, "tx-gate0001", types.DefaultScore, types.StatusActive)
	gated := insertTask(t, st, "tx-gate0002", types.DefaultScore, types.StatusReady)
	if err := st.AddDep(blocker.ID, gated.ID); err != nil {
		t.Fatalf("AddDep failed: %v", err)
	}

	done, err := st.BlockersDone(gated.ID)
	if err != nil {
		t.Fatalf("BlockersDone failed: %v", err)
	}
	if done {
		t.Errorf("open blocker reported done")
	}

	if _, err := st.UpdateTask(blocker.ID, map[string]interface{}{"status": string(types.StatusDone)}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	done, err = st.BlockersDone(gated.ID)
	if err != nil {
		t.Fatalf("BlockersDone failed: %v", err)
	}
	if !done {
		t.Errorf("finished blocker still gating")
	}
}

// =============================================================================
// LEARNING SOFT DELETE
// =============================================================================

func TestDeleteLearningHidesFromSearch(t *testing.T) {
	st := newTestStore(t)
	now := types.Now()
	id, err := st.InsertLearning(types.Learning{
		Content: "vacuum the sqlite database monthly", SourceType: types.SourceManual,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertLearning failed: %v", err)
	}

	hits, err := st.SearchBM25("vacuum sqlite", 10)
	if err != nil {
		t.Fatalf("SearchBM25 failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits before delete, want 1", len(hits))
	}

	if err := st.DeleteLearning(id); err != nil {
		t.Fatalf("DeleteLearning failed: %v", err)
	}
	hits, err = st.SearchBM25("vacuum sqlite", 10)
	if err != nil {
		t.Fatalf("SearchBM25 failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted learning still searchable: %d hits", len(hits))
	}
	if _, err := st.GetLearning(id); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("deleted learning readable: %v", err)
	}
}
