package report

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Console writes one log line per outcome through plog.
//
// Changes are logged at NOTICE, unchanged files at DEBUG and failures at WARN.
type Console struct{}

// NewConsole returns a console sink.
func NewConsole() *Console { return &Console{} }

// Label returns the console label for r, e.g. "CREATED" or "REMOVED DIR".
func Label(r pathsync.Result) string {
	var label string
	switch r.Outcome {
	case pathsync.Created:
		label = "CREATED"
	case pathsync.Replaced:
		label = "REPLACED"
	case pathsync.Unchanged:
		label = "UNCHANGED"
	case pathsync.Deleted:
		label = "REMOVED"
	case pathsync.Failed:
		label = "FAILED"
	default:
		label = r.Outcome.String()
	}
	if r.IsDir {
		label += " DIR"
	}
	return label
}

func (c *Console) Record(r pathsync.Result) {
	msg := Label(r)
	if r.DryRun {
		msg = "[DRY RUN] " + msg
	}

	// Deletions act on the destination path, everything else names the source.
	args := []any{"path", r.Path}
	if r.Mirror != "" && r.Outcome != pathsync.Deleted {
		args = append(args, "to", r.Mirror)
	}

	switch r.Outcome {
	case pathsync.Failed:
		plog.Warn(msg, append(args, "error", r.Err)...)
	case pathsync.Unchanged:
		plog.Debug(msg, args...)
	default:
		plog.Notice(msg, args...)
	}
}

func (c *Console) Begin(run RunInfo) error { return nil }

func (c *Console) End(elapsed time.Duration) error {
	plog.Info("Sync took", "seconds", fmt.Sprintf("%.3f", elapsed.Seconds()))
	return nil
}

func (c *Console) Close() error { return nil }
