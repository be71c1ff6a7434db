package anchor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tx/internal/config"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

func testAnchorConfig() config.AnchorConfig {
	return config.AnchorConfig{
		VerifyTTL:      time.Hour,
		PruneAfter:     24 * time.Hour,
		HealThreshold:  0.6,
		PreviewMaxSize: 500,
	}
}

func newTestVerifier(t *testing.T) (*store.Store, *Verifier) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, NewVerifier(st, testAnchorConfig())
}

func insertLearning(t *testing.T, st *store.Store) int64 {
	t.Helper()
	now := types.Now()
	id, err := st.InsertLearning(types.Learning{
		Content: "anchored insight", SourceType: types.SourceManual,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertLearning failed: %v", err)
	}
	return id
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	cases := []struct {
		name string
		p    CreateParams
		kind txerr.Kind
	}{
		{"unknown type", CreateParams{LearningID: lid, AnchorType: "chunk", FilePath: "a.go"}, txerr.KindValidation},
		{"empty path", CreateParams{LearningID: lid, AnchorType: types.AnchorGlob}, txerr.KindValidation},
		{"missing learning", CreateParams{LearningID: 9999, AnchorType: types.AnchorGlob, FilePath: "a.go"}, txerr.KindNotFound},
		{"symbol without name", CreateParams{LearningID: lid, AnchorType: types.AnchorSymbol, FilePath: "a.go"}, txerr.KindValidation},
		{"inverted range", CreateParams{LearningID: lid, AnchorType: types.AnchorLineRange, FilePath: "a.go", LineStart: 10, LineEnd: 5}, txerr.KindValidation},
	}
	for _, tc := range cases {
		if _, err := v.Create(tc.p); txerr.KindOf(err) != tc.kind {
			t.Errorf("%s: kind = %v, want %v", tc.name, txerr.KindOf(err), tc.kind)
		}
	}
}

func TestHashAnchorSelfHeals(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "handler.go")
	writeFile(t, path, "func handleCreate(w http.ResponseWriter, r *http.Request) { decode validate insert respond }")

	a, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.ContentHash == "" || a.ContentPreview == "" {
		t.Fatalf("hash anchor created without hash/preview")
	}

	// A small edit keeps most tokens: the anchor heals onto the new hash.
	writeFile(t, path, "func handleCreate(w http.ResponseWriter, r *http.Request) { decode validate insert respond log }")
	healed, err := v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if healed.Status != types.AnchorValid {
		t.Errorf("status after small edit = %s, want valid", healed.Status)
	}
	if healed.ContentHash == a.ContentHash {
		t.Errorf("self-heal did not adopt the new content hash")
	}

	entry, err := st.LatestInvalidation(a.ID)
	if err != nil {
		t.Fatalf("LatestInvalidation failed: %v", err)
	}
	if entry.Reason != "self_healed" {
		t.Errorf("audit reason = %q, want self_healed", entry.Reason)
	}
	if entry.SimilarityScore == nil || *entry.SimilarityScore < testAnchorConfig().HealThreshold {
		t.Errorf("similarity %v below the heal threshold", entry.SimilarityScore)
	}
}

func TestHashAnchorDrifts(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "parser.go")
	writeFile(t, path, "package parser\n\nfunc Parse(input string) (Node, error) { return lex(input).build() }\n")

	a, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A rewrite shares almost no tokens: drifted, not healed.
	writeFile(t, path, "completely different contents without any overlap whatsoever 123 456 789")
	drifted, err := v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if drifted.Status != types.AnchorDrifted {
		t.Errorf("status after rewrite = %s, want drifted", drifted.Status)
	}

	entry, err := st.LatestInvalidation(a.ID)
	if err != nil {
		t.Fatalf("LatestInvalidation failed: %v", err)
	}
	if entry.Reason != "hash_mismatch" {
		t.Errorf("audit reason = %q, want hash_mismatch", entry.Reason)
	}
}

func TestSymbolAnchor(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "engine.go")
	writeFile(t, path, "package task\n\nfunc (e *Engine) Transition(id string) error { return nil }\n")

	a, err := v.Create(CreateParams{
		LearningID: lid, AnchorType: types.AnchorSymbol,
		FilePath: path, SymbolName: "Transition",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorValid {
		t.Errorf("present symbol: status = %s, want valid", got.Status)
	}

	// "Transitions" contains the name but is a different identifier.
	writeFile(t, path, "package task\n\nfunc (e *Engine) Transitions(id string) error { return nil }\n")
	got, err = v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorInvalid {
		t.Errorf("renamed symbol: status = %s, want invalid", got.Status)
	}
}

func TestLineRangeAnchor(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "config.go")
	writeFile(t, path, "l1\nl2\nl3\nl4\nl5\n")

	a, err := v.Create(CreateParams{
		LearningID: lid, AnchorType: types.AnchorLineRange,
		FilePath: path, LineStart: 2, LineEnd: 4,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorValid {
		t.Errorf("intact range: status = %s, want valid", got.Status)
	}

	// The file shrinks below the range end.
	writeFile(t, path, "l1\nl2")
	got, err = v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorDrifted {
		t.Errorf("shrunk file: status = %s, want drifted", got.Status)
	}
}

func TestGlobAnchor(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.sql"), "select 1")

	a, err := v.Create(CreateParams{
		LearningID: lid, AnchorType: types.AnchorGlob,
		FilePath: dir, AnchorValue: filepath.Join(dir, "**", "*.sql"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorValid {
		t.Errorf("matching glob: status = %s, want valid", got.Status)
	}

	if err := os.Remove(filepath.Join(dir, "one.sql")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	got, err = v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorInvalid {
		t.Errorf("empty glob: status = %s, want invalid", got.Status)
	}
}

func TestPinnedSkipsAutomaticVerification(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "gone.go")
	writeFile(t, path, "package gone\n")

	a, err := v.Create(CreateParams{
		LearningID: lid, AnchorType: types.AnchorHash, FilePath: path, Pinned: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Periodic and lazy triggers leave a pinned anchor untouched.
	got, err := v.Verify(a.ID, types.DetectedPeriodic)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorValid {
		t.Errorf("pinned anchor auto-verified to %s", got.Status)
	}

	// A manual check still applies.
	got, err = v.Verify(a.ID, types.DetectedManual)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Status != types.AnchorInvalid {
		t.Errorf("pinned anchor after manual check = %s, want invalid", got.Status)
	}
}

func TestRestoreRewindsLastTransition(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "mod.go")
	writeFile(t, path, "package mod\n\nfunc Old() {}\n")

	a, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	writeFile(t, path, "nothing in common anymore zzz qqq vvv")
	if _, err := v.Verify(a.ID, types.DetectedManual); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	restored, err := v.Restore(a.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Status != types.AnchorValid {
		t.Errorf("restored status = %s, want valid", restored.Status)
	}
	if restored.ContentHash != a.ContentHash {
		t.Errorf("restore did not rewind the content hash")
	}

	history, err := v.History(a.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	// Drift plus restore: two audit rows, newest first.
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	if history[0].DetectedBy != types.DetectedManual || history[0].NewStatus != types.AnchorValid {
		t.Errorf("newest entry = %+v, want the manual restore", history[0])
	}

	// Restoring with no history is a not-found on the audit trail.
	fresh, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorGlob, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := v.Restore(fresh.ID); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("restore without history: kind = %v, want not_found", txerr.KindOf(err))
	}
}

func TestEnsureFreshLazyVerification(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "lazy.go")
	writeFile(t, path, "package lazy\n")

	a, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Within the TTL the stored row is trusted as-is.
	got, err := v.EnsureFresh(a.ID)
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if got.Status != types.AnchorValid {
		t.Errorf("fresh anchor re-verified early: %s", got.Status)
	}

	// Backdate verified_at past the TTL: access now re-verifies.
	stale := types.Now().Add(-2 * time.Hour)
	if _, err := st.ApplyAnchorTransition(store.AnchorTransition{
		AnchorID: a.ID, NewStatus: types.AnchorValid, DetectedBy: types.DetectedPeriodic, VerifiedAt: stale,
	}); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
	got, err = v.EnsureFresh(a.ID)
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if got.Status != types.AnchorInvalid {
		t.Errorf("stale anchor on a deleted file = %s, want invalid", got.Status)
	}
}

func TestPruneInvalidAnchors(t *testing.T) {
	st, v := newTestVerifier(t)
	lid := insertLearning(t, st)

	path := filepath.Join(t.TempDir(), "pruned.go")
	writeFile(t, path, "package pruned\n")

	invalid, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keeper, err := v.Create(CreateParams{LearningID: lid, AnchorType: types.AnchorHash, FilePath: path, Pinned: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := v.Verify(invalid.ID, types.DetectedManual); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := v.Verify(keeper.ID, types.DetectedManual); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Both are invalid; only the unpinned one is old enough and unprotected.
	n, err := v.Prune(types.Now().Add(testAnchorConfig().PruneAfter + time.Minute))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d anchors, want 1", n)
	}
	if _, err := v.Get(invalid.ID); txerr.KindOf(err) != txerr.KindNotFound {
		t.Errorf("pruned anchor still readable: %v", err)
	}
	if _, err := v.Get(keeper.ID); err != nil {
		t.Errorf("pinned anchor pruned: %v", err)
	}
}
