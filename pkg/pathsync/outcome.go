package pathsync

import "fmt"

// Outcome is the per-entry result of a stage.
type Outcome int

const (
	Created Outcome = iota
	Replaced
	Unchanged
	Deleted
	Failed
)

var outcomeToString = map[Outcome]string{
	Created:   "created",
	Replaced:  "replaced",
	Unchanged: "unchanged",
	Deleted:   "deleted",
	Failed:    "failed",
}

func (o Outcome) String() string {
	if str, ok := outcomeToString[o]; ok {
		return str
	}
	return fmt.Sprintf("unknown_outcome(%d)", int(o))
}

// Result describes what happened to one visited entry.
type Result struct {
	// Path is the visited entry: a destination path for prune results, a source path for mirror results.
	Path string
	// Mirror is Path mapped into the opposite tree. Empty when it could not be computed.
	Mirror  string
	Outcome Outcome
	IsDir   bool
	// DryRun is set when the outcome was decided but no filesystem change was made.
	DryRun bool
	// Err is the failure reason for Failed results.
	Err error
}

// Recorder receives results. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(r Result)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(r Result)

func (f RecorderFunc) Record(r Result) { f(r) }
