package pathsync

import "time"

// Plan holds everything a sync run needs, resolved from configuration and flags.
type Plan struct {
	Source        string
	Destination   string
	ExcludedNames []string

	Workers          int
	CompareStrategy  CompareStrategy
	SizeMode         SizeMode
	BufferSizeKB     int
	RetryCount       int
	RetryWait        time.Duration
	ProgressInterval time.Duration

	// Global Flags
	DryRun          bool
	FailOnFileError bool
}

// Settings derives the stage settings from the plan.
func (p *Plan) Settings() Settings {
	return Settings{
		Source:      p.Source,
		Destination: p.Destination,
		Filter:      NewNameFilter(p.ExcludedNames),
		DryRun:      p.DryRun,
	}
}
