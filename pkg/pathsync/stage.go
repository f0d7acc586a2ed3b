package pathsync

import (
	"github.com/paulschiretz/pgl-mirror/pkg/dispatch"
)

// Settings are the immutable inputs shared by both stages of a run.
type Settings struct {
	// Source and Destination are absolute, existing directories.
	Source      string
	Destination string
	Filter      NameFilter
	// DryRun decides and records outcomes without touching the filesystem.
	DryRun bool
}

// Submitter accepts work units for asynchronous execution.
type Submitter interface {
	Submit(u dispatch.Unit)
}
