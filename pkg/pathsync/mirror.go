package pathsync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/dispatch"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// MirrorStage creates or refreshes the destination mirror of every source file.
//
// The control goroutine creates each destination directory as the walk enters the
// matching source directory, so units only ever write files.
type MirrorStage struct {
	settings Settings
	checker  EqualityChecker
	copier   *Copier
	recorder Recorder
	metrics  Metrics
}

// NewMirrorStage returns a mirror stage for settings.
func NewMirrorStage(settings Settings, checker EqualityChecker, copier *Copier, recorder Recorder, metrics Metrics) *MirrorStage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &MirrorStage{settings: settings, checker: checker, copier: copier, recorder: recorder, metrics: metrics}
}

// Run walks the source tree and submits a mirror unit for every file.
// It returns once the walk is done; the caller waits for the submitted units.
func (m *MirrorStage) Run(ctx context.Context, sub Submitter) error {
	walker := TreeWalker{
		Filter:   m.settings.Filter,
		EnterDir: m.enterDir,
		Excluded: func(string) { m.metrics.AddDirsExcluded(1) },
	}

	err := walker.Walk(ctx, m.settings.Source, func(path string) {
		m.metrics.AddEntriesProcessed(1)
		sub.Submit(dispatch.Unit{
			Path: path,
			Run:  func() error { return m.mirrorFile(path) },
		})
	})
	if err != nil {
		return fmt.Errorf("mirror stage aborted: %w", err)
	}
	return nil
}

// enterDir mirrors one source directory. A directory that cannot be created is
// recorded as failed and its subtree skipped.
func (m *MirrorStage) enterDir(path string) error {
	mirror, err := MirrorPath(path, m.settings.Source, m.settings.Destination)
	if err != nil {
		m.recorder.Record(Result{Path: path, Outcome: Failed, IsDir: true, Err: err})
		return fs.SkipDir
	}

	info, err := os.Stat(path)
	if err != nil {
		m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: Failed, IsDir: true,
			Err: fmt.Errorf("failed to stat source directory %s: %w", path, err)})
		return fs.SkipDir
	}

	if m.settings.DryRun {
		if existing, err := os.Stat(mirror); err != nil || !existing.IsDir() {
			m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: Created, IsDir: true, DryRun: true})
		}
		return nil
	}

	created, err := m.copier.EnsureDir(mirror, info.Mode())
	if err != nil {
		m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: Failed, IsDir: true, Err: err})
		return fs.SkipDir
	}
	if created {
		m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: Created, IsDir: true})
	}
	return nil
}

func (m *MirrorStage) mirrorFile(path string) error {
	mirror, err := MirrorPath(path, m.settings.Source, m.settings.Destination)
	if err != nil {
		return err
	}

	var outcome Outcome
	conflictingDir := false
	info, err := os.Stat(mirror)
	switch {
	case isAbsent(err):
		outcome = Created
	case err != nil:
		return fmt.Errorf("failed to stat destination %s: %w", mirror, err)
	case info.IsDir():
		// An excluded directory is never removed, even to make room for a file.
		if !m.settings.Filter.Allowed(filepath.Base(mirror)) {
			return fmt.Errorf("destination %s is an excluded directory, cannot replace it with a file", mirror)
		}
		outcome = Replaced
		conflictingDir = true
	default:
		equal, err := m.checker.Equal(path, mirror)
		if err != nil {
			return err
		}
		if equal {
			m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: Unchanged})
			return nil
		}
		outcome = Replaced
	}

	if m.settings.DryRun {
		m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: outcome, DryRun: true})
		return nil
	}

	if conflictingDir {
		plog.Warn("Destination path is a directory but source is a file, removing", "path", mirror)
		if err := os.RemoveAll(mirror); err != nil {
			return fmt.Errorf("failed to remove conflicting directory %s: %w", mirror, err)
		}
	}
	if err := m.copier.Copy(path, mirror); err != nil {
		return err
	}
	m.recorder.Record(Result{Path: path, Mirror: mirror, Outcome: outcome})
	return nil
}
