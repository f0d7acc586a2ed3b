// Package hook runs user-configured shell commands before and after a sync.
//
// Commands run one after another through the platform shell, with stdout and stderr
// attached to the process. The run is described to them through PGL_MIRROR_*
// environment variables.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

var ErrNothingToExecute = errors.New("nothing to execute")

// Phase selects which command list of a Plan runs.
type Phase int

const (
	PreSync Phase = iota
	PostSync
)

func (p Phase) String() string {
	switch p {
	case PreSync:
		return "pre-sync"
	case PostSync:
		return "post-sync"
	}
	return fmt.Sprintf("unknown_hook_phase(%d)", int(p))
}

// Env is exported to every hook command.
type Env struct {
	RunID       string
	Source      string
	Destination string
	DryRun      bool
	// Result is "success" or "failure" for post-sync hooks and empty before the sync.
	Result string
}

func (e Env) vars() []string {
	vars := []string{
		"PGL_MIRROR_RUN_ID=" + e.RunID,
		"PGL_MIRROR_SOURCE=" + e.Source,
		"PGL_MIRROR_DESTINATION=" + e.Destination,
		"PGL_MIRROR_DRY_RUN=" + strconv.FormatBool(e.DryRun),
	}
	if e.Result != "" {
		vars = append(vars, "PGL_MIRROR_RESULT="+e.Result)
	}
	return vars
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor returns an executor that builds commands with commandContext,
// or exec.CommandContext when it is nil.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{commandContext: commandContext}
}

// Run executes the commands of p for phase. It returns ErrNothingToExecute when the
// phase has no commands, and ctx.Err() when canceled between or during commands.
func (e *HookExecutor) Run(ctx context.Context, phase Phase, p *Plan, env Env) error {
	commands := p.PreSync
	if phase == PostSync {
		commands = p.PostSync
	}
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running " + phase.String() + " hook commands")
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Would execute command", "command", command)
			continue
		}
		plog.Info("Executing command", "command", command)

		cmd := e.createCommand(ctx, command)
		cmd.Env = append(cmd.Environ(), env.vars()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A killed command surfaces as an exit error; report the cancellation instead.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if p.FailOnError {
				return fmt.Errorf("%s command '%s' failed: %w", phase, command, err)
			}
			plog.Warn("Hook command failed", "phase", phase, "command", command, "error", err)
		}
	}
	return nil
}
