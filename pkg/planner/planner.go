package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// SyncPlan is a validated configuration split into the settings of each component.
type SyncPlan struct {
	DryRun          bool
	FailOnFileError bool

	// ReportFile is empty when no report file is written.
	ReportFile string
	// LockDir holds the per-destination lock files.
	LockDir string

	Preflight *preflight.Plan
	Sync      *pathsync.Plan
	Hooks     *hook.Plan
	Watch     *watch.Plan
}

// GenerateSyncPlan turns cfg into a SyncPlan. cfg is expected to have passed Validate.
func GenerateSyncPlan(cfg config.Config) (*SyncPlan, error) {
	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failOnFileError := cfg.Engine.FailOnFileError

	compareStrategy, err := pathsync.ParseCompareStrategy(cfg.Sync.CompareStrategy)
	if err != nil {
		return nil, err
	}
	sizeMode, err := pathsync.ParseSizeMode(cfg.Sync.SizeMode)
	if err != nil {
		return nil, err
	}
	if cfg.Engine.Performance.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.Engine.Performance.Workers)
	}

	return &SyncPlan{
		DryRun:          dryRun,
		FailOnFileError: failOnFileError,
		ReportFile:      cfg.Report.File,
		LockDir:         lockfile.DefaultDir(),

		Preflight: &preflight.Plan{
			SourceAccessible:      true,
			DestinationAccessible: true,
			RootsDisjoint:         true,
			DestinationWritable:   true,
			// Allocated sizes are only comparable on the same filesystem.
			SameFilesystem: sizeMode == pathsync.SizeAllocated,
			DryRun:         dryRun,
		},
		Sync: &pathsync.Plan{
			Source:        cfg.Paths.Source,
			Destination:   cfg.Paths.Destination,
			ExcludedNames: cfg.Sync.ExcludedNames,

			Workers:          cfg.Engine.Performance.Workers,
			CompareStrategy:  compareStrategy,
			SizeMode:         sizeMode,
			BufferSizeKB:     cfg.Engine.Performance.BufferSizeKB,
			RetryCount:       cfg.Sync.RetryCount,
			RetryWait:        time.Duration(cfg.Sync.RetryWaitSeconds) * time.Second,
			ProgressInterval: time.Duration(cfg.Engine.ProgressSeconds) * time.Second,

			DryRun:          dryRun,
			FailOnFileError: failOnFileError,
		},
		Hooks: &hook.Plan{
			PreSync:  cfg.Hooks.PreSync,
			PostSync: cfg.Hooks.PostSync,
			DryRun:   dryRun,
			// A failing pre-sync command stops the run before anything is touched.
			FailOnError: true,
		},
		Watch: &watch.Plan{
			Enabled:       cfg.Watch.Enabled,
			Source:        cfg.Paths.Source,
			ExcludedNames: cfg.Sync.ExcludedNames,
			Debounce:      time.Duration(cfg.Watch.DebounceMillis) * time.Millisecond,
		},
	}, nil
}
