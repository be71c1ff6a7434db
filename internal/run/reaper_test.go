package run

import (
	"syscall"
	"testing"
	"time"

	"tx/internal/config"
	"tx/internal/store"
	"tx/internal/types"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		TranscriptIdle: 120 * time.Second,
		HeartbeatLag:   60 * time.Second,
		PollInterval:   time.Second,
		TermGrace:      400 * time.Millisecond,
	}
}

func newTestReaper(t *testing.T) (*store.Store, *Service, *Reaper) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, NewService(st), NewReaper(st, testReaperConfig())
}

// startRun creates a running run and back-dates its liveness columns.
func startRun(t *testing.T, st *store.Store, svc *Service, taskID string, idle, lag time.Duration) types.Run {
	t.Helper()
	r, err := svc.Create(CreateParams{Agent: "claude", TaskID: taskID, PID: 4242})
	if err != nil {
		t.Fatalf("Create run failed: %v", err)
	}
	now := types.Now()
	updated, err := st.UpdateRun(r.ID, map[string]interface{}{
		"last_activity_at": store.ToMillis(now.Add(-idle)),
		"last_check_at":    store.ToMillis(now.Add(-lag)),
	})
	if err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	return updated
}

func TestListStalledReasons(t *testing.T) {
	st, svc, reaper := newTestReaper(t)

	healthy := startRun(t, st, svc, "", 10*time.Second, 10*time.Second)
	idle := startRun(t, st, svc, "", 150*time.Second, 10*time.Second)
	lagging := startRun(t, st, svc, "", 10*time.Second, 90*time.Second)
	// Both signals tripped: transcript idle wins as the reported reason.
	both := startRun(t, st, svc, "", 150*time.Second, 90*time.Second)

	stalled, err := reaper.ListStalled(types.Now(), 0, 0)
	if err != nil {
		t.Fatalf("ListStalled failed: %v", err)
	}

	reasons := make(map[string]types.StallReason, len(stalled))
	for _, s := range stalled {
		reasons[s.Run.ID] = s.Reason
	}
	if _, ok := reasons[healthy.ID]; ok {
		t.Errorf("healthy run reported stalled")
	}
	if got := reasons[idle.ID]; got != types.StallTranscriptIdle {
		t.Errorf("idle run reason = %s, want transcript_idle", got)
	}
	if got := reasons[lagging.ID]; got != types.StallHeartbeatLag {
		t.Errorf("lagging run reason = %s, want heartbeat_lag", got)
	}
	if got := reasons[both.ID]; got != types.StallTranscriptIdle {
		t.Errorf("doubly stalled run reason = %s, want transcript_idle", got)
	}
}

func TestReapStalledTerminatesAndResets(t *testing.T) {
	st, svc, reaper := newTestReaper(t)

	now := types.Now()
	task := types.Task{
		ID: types.NewTaskID(), Title: "t", Status: types.StatusActive,
		Score: types.DefaultScore, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.InsertTask(task); err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	stalledRun := startRun(t, st, svc, task.ID, 150*time.Second, 10*time.Second)

	// Fake process: alive until SIGTERM, then gone.
	var signals []syscall.Signal
	alive := true
	reaper.kill = func(pid int, sig syscall.Signal) error {
		signals = append(signals, sig)
		if sig == syscall.SIGTERM {
			alive = false
			return nil
		}
		if !alive {
			return syscall.ESRCH
		}
		return nil
	}

	results, err := reaper.ReapStalled(types.Now(), ReapOptions{ResetTask: true})
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("reaped %d runs, want 1", len(results))
	}
	res := results[0]
	if !res.ProcessTerminated || !res.TaskReset {
		t.Errorf("result = %+v, want terminated and reset", res)
	}
	if signals[0] != syscall.SIGTERM {
		t.Errorf("first signal = %v, want SIGTERM", signals[0])
	}
	for _, sig := range signals {
		if sig == syscall.SIGKILL {
			t.Errorf("SIGKILL sent although process exited in the grace window")
		}
	}

	got, err := svc.Get(stalledRun.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.RunReaped {
		t.Errorf("run status = %s, want reaped", got.Status)
	}
	if got.CompletedAt == nil {
		t.Errorf("reaped run has no completedAt")
	}

	gotTask, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if gotTask.Status != types.StatusReady {
		t.Errorf("task status = %s, want ready", gotTask.Status)
	}
}

func TestReapEscalatesToSigkill(t *testing.T) {
	st, svc, reaper := newTestReaper(t)
	startRun(t, st, svc, "", 150*time.Second, 10*time.Second)

	// Fake process that ignores SIGTERM.
	var killed bool
	reaper.kill = func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGKILL {
			killed = true
		}
		return nil
	}

	results, err := reaper.ReapStalled(types.Now(), ReapOptions{})
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if !killed {
		t.Errorf("stubborn process never received SIGKILL")
	}
	if len(results) != 1 || !results[0].ProcessTerminated {
		t.Errorf("results = %+v, want one terminated", results)
	}
}

func TestReapDryRun(t *testing.T) {
	st, svc, reaper := newTestReaper(t)
	stalledRun := startRun(t, st, svc, "", 150*time.Second, 10*time.Second)

	reaper.kill = func(pid int, sig syscall.Signal) error {
		t.Errorf("dry run sent signal %v", sig)
		return nil
	}

	results, err := reaper.ReapStalled(types.Now(), ReapOptions{DryRun: true})
	if err != nil {
		t.Fatalf("ReapStalled failed: %v", err)
	}
	if len(results) != 1 || !results[0].DryRun {
		t.Fatalf("results = %+v, want one dry-run entry", results)
	}

	got, err := svc.Get(stalledRun.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.RunRunning {
		t.Errorf("dry run changed status to %s", got.Status)
	}
}
