// Package engine runs a mirror: prune, barrier, orphan directory cleanup, mirror, barrier.
//
// SyncEngine is the core run over already validated roots. Runner wraps it with the
// surrounding steps of a command: preflight checks, the destination lock and hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/dispatch"
	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
)

// ErrFileFailures is returned when failOnFileError is set and at least one entry failed.
var ErrFileFailures = errors.New("one or more entries failed to sync")

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Elapsed  time.Duration
	Failures int64
	// FailedPaths maps each failed entry to its error.
	FailedPaths map[string]error
	Metrics     *pathsync.SyncMetrics
}

// SyncEngine mirrors plan.Source into plan.Destination.
type SyncEngine struct {
	plan  *pathsync.Plan
	sink  report.Sink
	runID string
}

// New returns an engine for plan that reports every outcome to sink.
// A nil sink discards outcomes.
func New(plan *pathsync.Plan, sink report.Sink) *SyncEngine {
	if sink == nil {
		sink = report.Discard
	}
	return &SyncEngine{plan: plan, sink: sink}
}

// Run executes both stages. Per-file failures are recorded and do not stop the run;
// they turn into ErrFileFailures only when the plan asks for it. A root-level
// traversal error aborts the run. ctx is checked between directory reads.
func (e *SyncEngine) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	summary := Summary{RunID: e.runID, Metrics: &pathsync.SyncMetrics{}}
	metrics := summary.Metrics
	settings := e.plan.Settings()

	if err := e.sink.Begin(report.RunInfo{
		ID:          summary.RunID,
		Source:      settings.Source,
		Destination: settings.Destination,
		DryRun:      settings.DryRun,
		Started:     start.UTC(),
	}); err != nil {
		return summary, fmt.Errorf("failed to start report: %w", err)
	}

	failed := sharded.NewMap[error](sharded.DefaultShards)
	recorder := pathsync.RecorderFunc(func(r pathsync.Result) {
		if r.Outcome == pathsync.Failed {
			failed.Store(r.Path, r.Err)
		}
		metrics.AddOutcome(r)
		e.sink.Record(r)
	})

	// fromRoot and toRoot map a failed unit's path into the opposite tree.
	// They change only on the control goroutine between barriers.
	fromRoot, toRoot := settings.Destination, settings.Source
	d := dispatch.New(e.plan.Workers, func(path string, err error) {
		mirror, _ := pathsync.MirrorPath(path, fromRoot, toRoot)
		recorder.Record(pathsync.Result{Path: path, Mirror: mirror, Outcome: pathsync.Failed, DryRun: settings.DryRun, Err: err})
	})

	checker, err := pathsync.NewEqualityChecker(e.plan.CompareStrategy, e.plan.SizeMode, pool.NewFixedBuffer(pathsync.CompareChunkSize), metrics)
	if err != nil {
		return summary, err
	}
	bufferSize := e.plan.BufferSizeKB * 1024
	if bufferSize <= 0 {
		bufferSize = 256 * 1024
	}
	copier := pathsync.NewCopier(pool.NewFixedBuffer(bufferSize), e.plan.RetryCount, e.plan.RetryWait, metrics)

	metrics.StartProgress("Sync progress", e.plan.ProgressInterval)
	defer metrics.StopProgress()

	finish := func() {
		summary.Elapsed = time.Since(start)
		summary.Failures = metrics.Failures()
		summary.FailedPaths = failed.Items()
		if err := e.sink.End(summary.Elapsed); err != nil {
			plog.Warn("Failed to finish report", "error", err)
		}
	}

	plog.Info("Removing extra files...", "run_id", summary.RunID, "destination", settings.Destination)
	prune := pathsync.NewPruneStage(settings, recorder, metrics)
	err = prune.Run(ctx, d)
	// Units already submitted still run to completion.
	d.Wait()
	if err != nil {
		finish()
		return summary, err
	}
	prune.RemoveOrphanDirs()
	plog.Info("Extra files removed")

	plog.Info("Merge started", "run_id", summary.RunID, "source", settings.Source)
	fromRoot, toRoot = settings.Source, settings.Destination
	mirror := pathsync.NewMirrorStage(settings, checker, copier, recorder, metrics)
	err = mirror.Run(ctx, d)
	d.Wait()
	if err != nil {
		finish()
		return summary, err
	}
	plog.Info("Files merged")

	finish()
	metrics.LogSummary("Sync finished")

	if summary.Failures > 0 {
		if e.plan.FailOnFileError {
			return summary, fmt.Errorf("%w: %d failed", ErrFileFailures, summary.Failures)
		}
		plog.Warn("Sync finished with failures", "failed", summary.Failures)
	}
	return summary, nil
}
