package anchor

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"tx/internal/logging"
	"tx/internal/types"
)

// =============================================================================
// FILESYSTEM WATCHER
// =============================================================================

// Watcher re-verifies anchors when their files change on disk. Events are
// attributed to git_hook in the invalidation log since an edit, not a
// schedule, triggered them.
type Watcher struct {
	verifier *Verifier
	fw       *fsnotify.Watcher
	watched  map[string]bool // directories under watch
}

// NewWatcher creates a watcher over the given verifier.
func NewWatcher(verifier *Verifier) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		verifier: verifier,
		fw:       fw,
		watched:  map[string]bool{},
	}, nil
}

// WatchPath registers the directory containing an anchored file. Watching
// the directory instead of the file survives editors that replace files on
// save.
func (w *Watcher) WatchPath(path string) error {
	dir := filepath.Dir(path)
	if w.watched[dir] {
		return nil
	}
	if err := w.fw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	logging.AnchorsDebug("Watching %s", dir)
	return nil
}

// WatchAnchored registers every directory that currently holds an anchored
// file for a learning's anchors.
func (w *Watcher) WatchAnchored(learningID int64) error {
	anchors, err := w.verifier.ForLearning(learningID)
	if err != nil {
		return err
	}
	for _, a := range anchors {
		if err := w.WatchPath(a.FilePath); err != nil {
			return err
		}
	}
	return nil
}

// Run dispatches filesystem events until the context ends. Writes and
// renames on an anchored path trigger re-verification of its anchors.
func (w *Watcher) Run(ctx context.Context) {
	logging.Anchors("Anchor watcher started (%d directories)", len(w.watched))
	for {
		select {
		case <-ctx.Done():
			logging.Anchors("Anchor watcher stopped")
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.handleChange(event.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryAnchors).Error("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleChange(path string) {
	anchors, err := w.verifier.ForPath(path)
	if err != nil {
		logging.Get(logging.CategoryAnchors).Error("Lookup anchors for %s failed: %v", path, err)
		return
	}
	for _, a := range anchors {
		if _, err := w.verifier.Verify(a.ID, types.DetectedGitHook); err != nil {
			logging.Get(logging.CategoryAnchors).Error("Re-verify anchor %d failed: %v", a.ID, err)
		}
	}
	if len(anchors) > 0 {
		logging.AnchorsDebug("Re-verified %d anchors after change to %s", len(anchors), path)
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
