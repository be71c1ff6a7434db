// Package anchor ties learnings to source locations and keeps those ties
// honest: verification predicates per anchor type, hash self-healing,
// append-only audit of status changes, restore, pruning, and a filesystem
// watcher that triggers re-verification on edits.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"tx/internal/config"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// ANCHOR VERIFIER
// =============================================================================

// Verifier creates and verifies anchors against the working tree.
type Verifier struct {
	store *store.Store
	cfg   config.AnchorConfig
}

// NewVerifier creates an anchor verifier.
func NewVerifier(st *store.Store, cfg config.AnchorConfig) *Verifier {
	return &Verifier{store: st, cfg: cfg}
}

// CreateParams describe a new anchor.
type CreateParams struct {
	LearningID  int64
	AnchorType  types.AnchorType
	FilePath    string
	AnchorValue string // glob pattern, symbol name, or free-form payload
	SymbolName  string
	LineStart   int // 1-indexed
	LineEnd     int
	Pinned      bool
}

// Create validates and persists an anchor. Hash anchors capture the current
// content hash and preview of the referenced region at creation time.
func (v *Verifier) Create(p CreateParams) (types.Anchor, error) {
	timer := logging.StartTimer(logging.CategoryAnchors, "Create")
	defer timer.Stop()

	if !types.ValidAnchorType(p.AnchorType) {
		return types.Anchor{}, txerr.Validation("unknown anchor type %q", p.AnchorType)
	}
	if p.FilePath == "" {
		return types.Anchor{}, txerr.Validation("anchor file path must be non-empty")
	}
	if _, err := v.store.GetLearning(p.LearningID); err != nil {
		return types.Anchor{}, err
	}

	now := types.Now()
	a := types.Anchor{
		LearningID:  p.LearningID,
		AnchorType:  p.AnchorType,
		FilePath:    p.FilePath,
		AnchorValue: p.AnchorValue,
		SymbolName:  p.SymbolName,
		LineStart:   p.LineStart,
		LineEnd:     p.LineEnd,
		Status:      types.AnchorValid,
		Pinned:      p.Pinned,
		VerifiedAt:  &now,
		CreatedAt:   now,
	}

	switch p.AnchorType {
	case types.AnchorSymbol:
		if p.SymbolName == "" {
			return types.Anchor{}, txerr.Validation("symbol anchors require a symbol name")
		}
	case types.AnchorLineRange:
		if p.LineStart < 1 || p.LineEnd < p.LineStart {
			return types.Anchor{}, txerr.Validation("line range must satisfy 1 <= lineStart <= lineEnd")
		}
	case types.AnchorHash:
		content, err := v.readRegion(a)
		if err != nil {
			return types.Anchor{}, txerr.Wrap(txerr.KindValidation, err, "cannot hash %s", p.FilePath)
		}
		a.ContentHash = hashContent(content)
		a.ContentPreview = v.preview(content)
	}

	id, err := v.store.InsertAnchor(a)
	if err != nil {
		return types.Anchor{}, err
	}
	a.ID = id
	logging.Anchors("Anchor %d created (%s on %s, learning %d)", id, a.AnchorType, a.FilePath, a.LearningID)
	return a, nil
}

// Get fetches one anchor.
func (v *Verifier) Get(id int64) (types.Anchor, error) {
	return v.store.GetAnchor(id)
}

// ForLearning returns the live anchors of a learning.
func (v *Verifier) ForLearning(learningID int64) ([]types.Anchor, error) {
	return v.store.ListAnchorsByLearning(learningID)
}

// ForPath returns the live anchors on a file path.
func (v *Verifier) ForPath(path string) ([]types.Anchor, error) {
	return v.store.ListAnchorsByPath(path)
}

// SetPinned toggles the pinned flag; pinned anchors never transition
// automatically.
func (v *Verifier) SetPinned(id int64, pinned bool) error {
	return v.store.SetAnchorPinned(id, pinned)
}

// =============================================================================
// VERIFICATION
// =============================================================================

// verdict is the outcome of one predicate evaluation.
type verdict struct {
	status     types.AnchorStatus
	reason     string
	newHash    string
	newPreview string
	similarity *float64
}

// Verify re-evaluates an anchor's predicate and applies the resulting
// transition. Pinned anchors are exempt from every trigger except manual.
func (v *Verifier) Verify(id int64, detectedBy types.DetectedBy) (types.Anchor, error) {
	timer := logging.StartTimer(logging.CategoryAnchors, "Verify")
	defer timer.Stop()

	a, err := v.store.GetAnchor(id)
	if err != nil {
		return types.Anchor{}, err
	}
	if a.Pinned && detectedBy != types.DetectedManual {
		return a, nil
	}

	verdict := v.evaluate(a)
	if _, err := v.store.ApplyAnchorTransition(store.AnchorTransition{
		AnchorID:        id,
		NewStatus:       verdict.status,
		Reason:          verdict.reason,
		DetectedBy:      detectedBy,
		NewContentHash:  verdict.newHash,
		NewPreview:      verdict.newPreview,
		SimilarityScore: verdict.similarity,
		VerifiedAt:      types.Now(),
	}); err != nil {
		return types.Anchor{}, err
	}
	return v.store.GetAnchor(id)
}

// evaluate applies the type-specific predicate.
func (v *Verifier) evaluate(a types.Anchor) verdict {
	switch a.AnchorType {
	case types.AnchorGlob:
		return v.evaluateGlob(a)
	case types.AnchorHash:
		return v.evaluateHash(a)
	case types.AnchorSymbol:
		return v.evaluateSymbol(a)
	case types.AnchorLineRange:
		return v.evaluateLineRange(a)
	}
	return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("unknown anchor type %q", a.AnchorType)}
}

// evaluateGlob: valid when the pattern matches at least one file.
func (v *Verifier) evaluateGlob(a types.Anchor) verdict {
	pattern := a.AnchorValue
	if pattern == "" {
		pattern = a.FilePath
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("bad glob pattern: %v", err)}
	}
	if len(matches) == 0 {
		return verdict{status: types.AnchorInvalid, reason: "no files match glob"}
	}
	return verdict{status: types.AnchorValid}
}

// evaluateHash: valid on exact hash match; self-heals when the new content
// is still close enough to the stored preview; drifted below the threshold;
// invalid when the region cannot be read at all.
func (v *Verifier) evaluateHash(a types.Anchor) verdict {
	content, err := v.readRegion(a)
	if err != nil {
		return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("cannot read region: %v", err)}
	}
	newHash := hashContent(content)
	if newHash == a.ContentHash {
		return verdict{status: types.AnchorValid}
	}

	sim := jaccardSimilarity(tokenize(content), tokenize(a.ContentPreview))
	if sim >= v.cfg.HealThreshold {
		logging.Anchors("Anchor %d self-healed (similarity %.2f)", a.ID, sim)
		return verdict{
			status:     types.AnchorValid,
			reason:     "self_healed",
			newHash:    newHash,
			newPreview: v.preview(content),
			similarity: &sim,
		}
	}
	return verdict{
		status:     types.AnchorDrifted,
		reason:     "hash_mismatch",
		similarity: &sim,
	}
}

// evaluateSymbol: valid while the declaration still greps in the file.
func (v *Verifier) evaluateSymbol(a types.Anchor) verdict {
	if a.SymbolName == "" {
		return verdict{status: types.AnchorInvalid, reason: "empty symbol name"}
	}
	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("cannot read file: %v", err)}
	}
	if symbolPattern(a.SymbolName).Match(data) {
		return verdict{status: types.AnchorValid}
	}
	return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("symbol %q not found", a.SymbolName)}
}

// evaluateLineRange: drifted when the file shrank below lineEnd, invalid
// when it is gone.
func (v *Verifier) evaluateLineRange(a types.Anchor) verdict {
	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		return verdict{status: types.AnchorInvalid, reason: fmt.Sprintf("cannot read file: %v", err)}
	}
	lines := strings.Count(string(data), "\n") + 1
	if lines >= a.LineEnd {
		return verdict{status: types.AnchorValid}
	}
	return verdict{status: types.AnchorDrifted, reason: fmt.Sprintf("file has %d lines, anchor ends at %d", lines, a.LineEnd)}
}

// =============================================================================
// STALENESS, RESTORE, PRUNE
// =============================================================================

// IsStale reports whether an anchor needs re-verification.
func (v *Verifier) IsStale(a types.Anchor, now time.Time) bool {
	return a.VerifiedAt == nil || now.Sub(*a.VerifiedAt) > v.cfg.VerifyTTL
}

// EnsureFresh lazily re-verifies a stale anchor on access and returns the
// current row either way.
func (v *Verifier) EnsureFresh(id int64) (types.Anchor, error) {
	a, err := v.store.GetAnchor(id)
	if err != nil {
		return types.Anchor{}, err
	}
	if !v.IsStale(a, types.Now()) {
		return a, nil
	}
	return v.Verify(id, types.DetectedLazy)
}

// VerifyStale sweeps every stale anchor once, for the periodic loop.
// Returns how many anchors were checked.
func (v *Verifier) VerifyStale(limit int) (int, error) {
	timer := logging.StartTimer(logging.CategoryAnchors, "VerifyStale")
	defer timer.Stop()

	cutoff := types.Now().Add(-v.cfg.VerifyTTL)
	stale, err := v.store.ListStaleAnchors(cutoff, limit)
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		if _, err := v.Verify(a.ID, types.DetectedPeriodic); err != nil {
			logging.Get(logging.CategoryAnchors).Error("Verify anchor %d failed: %v", a.ID, err)
		}
	}
	return len(stale), nil
}

// Restore rewinds an anchor to the state before its most recent logged
// transition and audits the rewind as a manual action.
func (v *Verifier) Restore(id int64) (types.Anchor, error) {
	timer := logging.StartTimer(logging.CategoryAnchors, "Restore")
	defer timer.Stop()

	if _, err := v.store.GetAnchor(id); err != nil {
		return types.Anchor{}, err
	}
	last, err := v.store.LatestInvalidation(id)
	if err != nil {
		return types.Anchor{}, err
	}

	if _, err := v.store.ApplyAnchorTransition(store.AnchorTransition{
		AnchorID:       id,
		NewStatus:      last.OldStatus,
		Reason:         "restored to pre-transition state",
		DetectedBy:     types.DetectedManual,
		NewContentHash: last.OldContentHash,
		VerifiedAt:     types.Now(),
	}); err != nil {
		return types.Anchor{}, err
	}
	logging.Anchors("Anchor %d restored to status %s", id, last.OldStatus)
	return v.store.GetAnchor(id)
}

// History returns an anchor's audit trail, newest first.
func (v *Verifier) History(id int64) ([]types.InvalidationEntry, error) {
	if _, err := v.store.GetAnchor(id); err != nil {
		return nil, err
	}
	return v.store.ListInvalidations(id)
}

// Prune deletes unpinned invalid anchors older than the configured
// retention.
func (v *Verifier) Prune(now time.Time) (int64, error) {
	return v.store.PruneInvalidAnchors(now.Add(-v.cfg.PruneAfter))
}

// =============================================================================
// CONTENT HELPERS
// =============================================================================

// readRegion returns the anchored slice of the file: the line range when
// set, the whole file otherwise.
func (v *Verifier) readRegion(a types.Anchor) (string, error) {
	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		return "", err
	}
	content := string(data)
	if a.LineStart < 1 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	if a.LineStart > len(lines) {
		return "", fmt.Errorf("file has %d lines, region starts at %d", len(lines), a.LineStart)
	}
	end := a.LineEnd
	if end < a.LineStart || end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[a.LineStart-1:end], "\n"), nil
}

func (v *Verifier) preview(content string) string {
	max := v.cfg.PreviewMaxSize
	if max <= 0 {
		max = 500
	}
	if len(content) > max {
		return content[:max]
	}
	return content
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// symbolPattern matches common declaration forms of a symbol name with the
// name escaped, bounded so substrings of longer identifiers don't match.
func symbolPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_])`)
}

// tokenize lowercases and splits on non-alphanumerics for Jaccard
// comparison.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[f] = true
	}
	return out
}

// jaccardSimilarity of two token sets; two empty sets count as identical.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
