package task

import (
	"testing"

	"tx/internal/store"
	"tx/internal/types"
)

func newTestScheduler(t *testing.T) (*store.Store, *Engine, *Scheduler) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e := NewEngine(st)
	return st, e, NewScheduler(st, e)
}

func TestGetReadyOrderAndFiltering(t *testing.T) {
	_, e, s := newTestScheduler(t)

	score := func(n int) *int { return &n }
	a := mustCreate(t, e, CreateParams{Title: "a", Status: types.StatusReady, Score: score(800)})
	b := mustCreate(t, e, CreateParams{Title: "b", Status: types.StatusReady, Score: score(700)})
	c := mustCreate(t, e, CreateParams{Title: "c", Status: types.StatusReady, Score: score(600)})
	mustCreate(t, e, CreateParams{Title: "parked", Status: types.StatusBlocked, Score: score(999)})

	// b and c wait on a.
	if err := e.AddBlocker(b.ID, a.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}
	if err := e.AddBlocker(c.ID, a.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}

	ready, err := s.GetReady(10, true)
	if err != nil {
		t.Fatalf("GetReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("ready frontier = %v, want just %s", readyIDs(ready), a.ID)
	}
}

func TestDoneUnblocksDependents(t *testing.T) {
	_, e, s := newTestScheduler(t)

	score := func(n int) *int { return &n }
	a := mustCreate(t, e, CreateParams{Title: "a", Status: types.StatusActive, Score: score(800)})
	b := mustCreate(t, e, CreateParams{Title: "b", Status: types.StatusReady, Score: score(700)})
	c := mustCreate(t, e, CreateParams{Title: "c", Status: types.StatusReady, Score: score(600)})
	d := mustCreate(t, e, CreateParams{Title: "d", Status: types.StatusReady, Score: score(500)})

	if err := e.AddBlocker(b.ID, a.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}
	if err := e.AddBlocker(c.ID, a.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}
	// c also waits on d, so finishing a frees only b.
	if err := e.AddBlocker(c.ID, d.ID); err != nil {
		t.Fatalf("AddBlocker failed: %v", err)
	}

	completed, nowReady, err := s.Done(a.ID)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	if completed.Status != types.StatusDone {
		t.Errorf("status = %s, want done", completed.Status)
	}
	if len(nowReady) != 1 || nowReady[0].ID != b.ID {
		ids := make([]string, 0, len(nowReady))
		for _, r := range nowReady {
			ids = append(ids, r.ID)
		}
		t.Fatalf("nowReady = %v, want [%s]", ids, b.ID)
	}
}

func TestGetReadyExcludesClaimed(t *testing.T) {
	st, e, s := newTestScheduler(t)

	a := mustCreate(t, e, CreateParams{Title: "a", Status: types.StatusReady})
	mustCreate(t, e, CreateParams{Title: "b", Status: types.StatusReady})

	w := types.Worker{ID: types.NewWorkerID(), Status: types.WorkerIdle, RegisteredAt: types.Now(), LastHeartbeatAt: types.Now()}
	if err := st.InsertWorker(w); err != nil {
		t.Fatalf("InsertWorker failed: %v", err)
	}
	if _, err := st.AcquireClaim(a.ID, w.ID); err != nil {
		t.Fatalf("AcquireClaim failed: %v", err)
	}

	excluded, err := s.GetReady(10, true)
	if err != nil {
		t.Fatalf("GetReady failed: %v", err)
	}
	for _, r := range excluded {
		if r.ID == a.ID {
			t.Fatalf("claimed task %s still in ready frontier", a.ID)
		}
	}

	included, err := s.GetReady(10, false)
	if err != nil {
		t.Fatalf("GetReady failed: %v", err)
	}
	if len(included) != len(excluded)+1 {
		t.Errorf("includeClaimed returned %d tasks, want %d", len(included), len(excluded)+1)
	}
}

func readyIDs(ready []types.TaskWithDeps) []string {
	ids := make([]string, 0, len(ready))
	for _, r := range ready {
		ids = append(ids, r.ID)
	}
	return ids
}
