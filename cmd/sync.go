package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/planner"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// RunSync handles the logic for the main sync execution.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)

	// Load the config file, or the defaults if none is given or found.
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Sync, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// Log the Summary
	runConfig.LogSummary()

	// Get the Plan
	syncPlan, err := planner.GenerateSyncPlan(runConfig)
	if err != nil {
		return err
	}

	sink, err := newSink(syncPlan)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			plog.Warn("Failed to close report", "error", closeErr)
		}
	}()

	runner := engine.NewRunner(nil)

	if !syncPlan.Watch.Enabled {
		return runOnce(ctx, runner, syncPlan, sink)
	}

	// Start watching before the first run so changes made during it are not missed.
	watcher, err := watch.New(syncPlan.Watch)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := runOnce(ctx, runner, syncPlan, sink); err != nil {
		if ctx.Err() != nil {
			return err
		}
		// Only a failed root keeps watch mode from starting.
		if !errors.Is(err, engine.ErrFileFailures) {
			return err
		}
		plog.Error("Sync failed", "error", err)
	}

	return watcher.Run(ctx, func(ctx context.Context) error {
		return runOnce(ctx, runner, syncPlan, sink)
	})
}

// runOnce executes a single sync and logs its duration.
func runOnce(ctx context.Context, runner *engine.Runner, syncPlan *planner.SyncPlan, sink report.Sink) error {
	startTime := time.Now()
	_, err := runner.ExecuteSync(ctx, syncPlan, sink)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// newSink builds the console sink, teed into the report file when one is configured.
func newSink(syncPlan *planner.SyncPlan) (report.Sink, error) {
	console := report.NewConsole()
	if syncPlan.ReportFile == "" {
		return console, nil
	}
	file, err := report.NewFile(syncPlan.ReportFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %w", err)
	}
	return report.Multi(console, file), nil
}
