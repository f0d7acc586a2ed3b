package pathsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/paulschiretz/pgl-mirror/pkg/dispatch"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// PruneStage deletes destination entries that have no counterpart in the source.
//
// Run walks the destination and submits one unit per file. The directories it visits
// are remembered so that RemoveOrphanDirs can delete the emptied ones once all units
// have finished.
type PruneStage struct {
	settings Settings
	recorder Recorder
	metrics  Metrics

	// dirs holds visited destination directories, children before parents.
	// Only the control goroutine touches it.
	dirs []string
}

// NewPruneStage returns a prune stage for settings.
func NewPruneStage(settings Settings, recorder Recorder, metrics Metrics) *PruneStage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PruneStage{settings: settings, recorder: recorder, metrics: metrics}
}

// Run walks the destination tree and submits a prune unit for every file.
// It returns once the walk is done; the caller waits for the submitted units.
func (p *PruneStage) Run(ctx context.Context, sub Submitter) error {
	p.dirs = p.dirs[:0]
	walker := TreeWalker{
		Filter:   p.settings.Filter,
		LeaveDir: func(path string) { p.dirs = append(p.dirs, path) },
		Excluded: func(string) { p.metrics.AddDirsExcluded(1) },
	}

	err := walker.Walk(ctx, p.settings.Destination, func(path string) {
		p.metrics.AddEntriesProcessed(1)
		sub.Submit(dispatch.Unit{
			Path: path,
			Run:  func() error { return p.pruneFile(path) },
		})
	})
	if err != nil {
		return fmt.Errorf("prune stage aborted: %w", err)
	}
	return nil
}

func (p *PruneStage) pruneFile(path string) error {
	mirror, err := MirrorPath(path, p.settings.Destination, p.settings.Source)
	if err != nil {
		return err
	}

	if _, err := os.Stat(mirror); err == nil {
		return nil
	} else if !isAbsent(err) {
		// Never delete on an inconclusive check.
		return fmt.Errorf("failed to check source mirror %s: %w", mirror, err)
	}

	result := Result{Path: path, Mirror: mirror, Outcome: Deleted, DryRun: p.settings.DryRun}
	if !p.settings.DryRun {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	p.recorder.Record(result)
	return nil
}

// RemoveOrphanDirs deletes the destination directories visited by the last Run whose
// source mirror is absent. It must only be called after every prune unit has finished.
// Directories that still hold entries (an excluded subdirectory, a file whose deletion
// failed) are kept.
func (p *PruneStage) RemoveOrphanDirs() {
	for _, dir := range p.dirs {
		mirror, err := MirrorPath(dir, p.settings.Destination, p.settings.Source)
		if err != nil {
			p.recorder.Record(Result{Path: dir, Outcome: Failed, IsDir: true, Err: err})
			continue
		}
		if _, err := os.Stat(mirror); err == nil {
			continue
		} else if !isAbsent(err) {
			p.recorder.Record(Result{Path: dir, Mirror: mirror, Outcome: Failed, IsDir: true,
				Err: fmt.Errorf("failed to check source mirror %s: %w", mirror, err)})
			continue
		}

		if p.settings.DryRun {
			p.recorder.Record(Result{Path: dir, Mirror: mirror, Outcome: Deleted, IsDir: true, DryRun: true})
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			p.recorder.Record(Result{Path: dir, Mirror: mirror, Outcome: Failed, IsDir: true,
				Err: fmt.Errorf("failed to read directory %s: %w", dir, err)})
			continue
		}
		if len(entries) > 0 {
			plog.Debug("Keeping non-empty orphan directory", "path", dir, "entries", len(entries))
			continue
		}
		if err := os.Remove(dir); err != nil {
			p.recorder.Record(Result{Path: dir, Mirror: mirror, Outcome: Failed, IsDir: true,
				Err: fmt.Errorf("failed to delete directory %s: %w", dir, err)})
			continue
		}
		p.recorder.Record(Result{Path: dir, Mirror: mirror, Outcome: Deleted, IsDir: true})
	}
	p.dirs = nil
}

// isAbsent reports whether err from a stat means the path does not exist. A path
// below a regular file (ENOTDIR) counts as absent.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
