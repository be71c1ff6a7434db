package run

import (
	"testing"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func TestCreateRun(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Create(CreateParams{}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("missing agent: kind = %v, want validation", txerr.KindOf(err))
	}
	if _, err := svc.Create(CreateParams{Agent: "claude", TaskID: "tx-missing1"}); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("missing task: kind = %v, want not_found", txerr.KindOf(err))
	}

	r, err := svc.Create(CreateParams{Agent: "claude", PID: 77})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !types.ValidRunID(r.ID) {
		t.Errorf("generated id %q does not match the run id format", r.ID)
	}
	if r.Status != types.RunRunning {
		t.Errorf("status = %s, want running", r.Status)
	}
}

func TestHeartbeatCounters(t *testing.T) {
	svc := newTestService(t)
	r, err := svc.Create(CreateParams{Agent: "claude"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := svc.Heartbeat(r.ID, HeartbeatParams{StdoutBytes: 100, StderrBytes: 5, TranscriptBytes: 2048, Activity: true})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if updated.StdoutBytes != 100 || updated.TranscriptBytes != 2048 {
		t.Errorf("counters = %d/%d, want 100/2048", updated.StdoutBytes, updated.TranscriptBytes)
	}

	// Negative values leave the counter untouched.
	updated, err = svc.Heartbeat(r.ID, HeartbeatParams{StdoutBytes: -1, StderrBytes: -1, TranscriptBytes: -1})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if updated.StdoutBytes != 100 {
		t.Errorf("stdoutBytes overwritten: %d", updated.StdoutBytes)
	}
}

func TestCompleteTransitions(t *testing.T) {
	svc := newTestService(t)
	r, err := svc.Create(CreateParams{Agent: "claude"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.Complete(r.ID, CompleteParams{Status: types.RunReaped}); txerr.KindOf(err) != txerr.KindValidation {
		t.Errorf("complete to reaped: kind = %v, want validation", txerr.KindOf(err))
	}

	code := 0
	done, err := svc.Complete(r.ID, CompleteParams{Status: types.RunCompleted, ExitCode: &code, Summary: "ok"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Errorf("completed run has no completedAt")
	}

	// A finished run cannot finish again.
	if _, err := svc.Complete(r.ID, CompleteParams{Status: types.RunFailed}); txerr.KindOf(err) != txerr.KindIllegalTransition {
		t.Errorf("double complete: kind = %v, want illegal_transition", txerr.KindOf(err))
	}
}
