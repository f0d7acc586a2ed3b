// Package watch re-runs a sync whenever the source tree changes.
//
// Every directory below the source root is watched except excluded subtrees.
// Bursts of events are coalesced: the callback runs once the tree has been quiet
// for the debounce interval.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Plan configures watch mode.
type Plan struct {
	Enabled       bool
	Source        string
	ExcludedNames []string
	Debounce      time.Duration
}

// Watcher watches a source tree.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	filter   pathsync.NameFilter
	debounce time.Duration
}

// New starts watching p.Source. Call Close when done.
func New(p *Plan) (*Watcher, error) {
	if p.Debounce <= 0 {
		return nil, fmt.Errorf("watch debounce must be greater than 0, got %s", p.Debounce)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		root:     filepath.Clean(p.Source),
		filter:   pathsync.NewNameFilter(p.ExcludedNames),
		debounce: p.Debounce,
	}
	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			// Vanished while walking; a later event covers it.
			plog.Debug("Skipping directory for watch", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && !w.filter.Allowed(d.Name()) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			plog.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// relevant reports whether path lies below the root and outside every excluded subtree.
func (w *Watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	segments := strings.Split(rel, string(filepath.Separator))
	// The last segment may be a file; exclusions only name directories.
	for _, segment := range segments[:len(segments)-1] {
		if !w.filter.Allowed(segment) {
			return false
		}
	}
	if last := segments[len(segments)-1]; !w.filter.Allowed(last) {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// Run calls onChange after each quiet period that follows a relevant change, until ctx
// is done. Errors from onChange are logged and watching continues.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context) error) error {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := 0
	plog.Info("Watching for changes", "source", w.root, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						plog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			plog.Debug("Change detected", "path", event.Name, "op", event.Op.String())
			pending++
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			plog.Warn("File watcher error", "error", err)

		case <-timer.C:
			plog.Info("Source changed, re-running sync", "events", pending)
			pending = 0
			if err := onChange(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				plog.Error("Sync failed", "error", err)
			}
		}
	}
}
