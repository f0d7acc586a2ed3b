package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/planner"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

// Runner executes a SyncPlan end to end.
type Runner struct {
	hooks *hook.HookExecutor
}

// NewRunner returns a runner using hooks to execute hook commands.
// A nil executor runs commands through the system shell.
func NewRunner(hooks *hook.HookExecutor) *Runner {
	if hooks == nil {
		hooks = hook.NewHookExecutor(nil)
	}
	return &Runner{hooks: hooks}
}

// ExecuteSync validates the roots, takes the destination lock, runs the pre-sync hooks,
// the engine and finally the post-sync hooks. Post-sync hooks run whenever the
// pre-sync hooks succeeded, and see the run's result in their environment.
func (r *Runner) ExecuteSync(ctx context.Context, p *planner.SyncPlan, sink report.Sink) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	source, destination := p.Sync.Source, p.Sync.Destination
	if err := preflight.Run(source, destination, p.Preflight); err != nil {
		return Summary{}, fmt.Errorf("preflight failed: %w", err)
	}

	plog.Debug("Attempting to acquire lock", "destination", destination)
	lock, err := lockfile.Acquire(ctx, p.LockDir, destination)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return Summary{}, fmt.Errorf("another sync is running for this destination: %w", err)
		}
		return Summary{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Release()

	runID := uuid.NewString()
	env := hook.Env{RunID: runID, Source: source, Destination: destination, DryRun: p.DryRun}

	if err := r.hooks.Run(ctx, hook.PreSync, p.Hooks, env); err != nil && !errors.Is(err, hook.ErrNothingToExecute) {
		// Pre-sync failures are fatal: nothing has been touched yet.
		errMsg := "pre-sync hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-sync hook canceled"
		}
		return Summary{}, fmt.Errorf("%s: %w", errMsg, err)
	}

	eng := New(p.Sync, sink)
	eng.runID = runID
	summary, runErr := eng.Run(ctx)

	env.Result = "success"
	if runErr != nil {
		env.Result = "failure"
	}
	// The run's context may be canceled already; post-sync hooks still get to clean up.
	hookCtx := context.WithoutCancel(ctx)
	if err := r.hooks.Run(hookCtx, hook.PostSync, p.Hooks, env); err != nil && !errors.Is(err, hook.ErrNothingToExecute) {
		plog.Warn("post-sync hook failed", "error", err)
	}

	return summary, runErr
}
