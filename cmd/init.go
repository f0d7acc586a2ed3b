package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunInit handles the logic for the 'init' command. An existing config file is used as
// the base so its settings survive, unless -force starts over from the defaults.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	configPath, ok := flagMap["config"].(string)
	if !ok || configPath == "" {
		configPath = config.ConfigFileName
	}
	expanded, err := util.ExpandPath(configPath)
	if err != nil {
		return fmt.Errorf("could not expand config path %s: %w", configPath, err)
	}
	absConfigPath, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", configPath, err)
	}

	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	baseConfig := config.NewDefault()
	if _, err := os.Stat(absConfigPath); err == nil && !force {
		fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigPath)
		if !PromptForConfirmation("Update it with the given flags?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
		// Try to load the existing config to preserve settings.
		baseConfig, err = config.Load(absConfigPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	if runConfig.Paths.Source == "" {
		return fmt.Errorf("the -source flag is required for the init operation (unless updating an existing config)")
	}
	if runConfig.Paths.Destination == "" {
		return fmt.Errorf("the -destination flag is required for the init operation (unless updating an existing config)")
	}

	// CRITICAL: Validate the config before it is written
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Initialization complete. No changes made.", "path", absConfigPath)
		return nil
	}

	startTime := time.Now()
	if err := config.Generate(runConfig, absConfigPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" config successfully initialized.", "path", absConfigPath, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
