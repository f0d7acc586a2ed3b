package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the working directory.
const ConfigFileName = "pgl-mirror.config.json"

// LegacyConfigFileName is the configuration file name used by older releases.
const LegacyConfigFileName = "default.json"

var validLogLevels = map[string]bool{"debug": true, "notice": true, "info": true, "warn": true, "error": true}

type PathsConfig struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

type SyncConfig struct {
	// ExcludedNames are exact, case-sensitive directory names. A directory with one of
	// these names is skipped in both trees together with everything below it.
	// Note: omitempty is intentionally not used so the key appears in generated files.
	ExcludedNames    []string `json:"excludedNames" yaml:"excludedNames"`
	CompareStrategy  string   `json:"compareStrategy" yaml:"compareStrategy"`
	SizeMode         string   `json:"sizeMode" yaml:"sizeMode"`
	RetryCount       int      `json:"retryCount" yaml:"retryCount"`
	RetryWaitSeconds int      `json:"retryWaitSeconds" yaml:"retryWaitSeconds"`
}

type EnginePerformanceConfig struct {
	Workers      int `json:"workers" yaml:"workers"`
	BufferSizeKB int `json:"bufferSizeKB" yaml:"bufferSizeKB"`
}

type EngineConfig struct {
	FailOnFileError bool                    `json:"failOnFileError" yaml:"failOnFileError"`
	ProgressSeconds int                     `json:"progressSeconds" yaml:"progressSeconds"`
	Performance     EnginePerformanceConfig `json:"performance" yaml:"performance"`
}

type ReportConfig struct {
	// File is an optional report path; its extension selects plain, gzip or zstd output.
	File string `json:"file" yaml:"file"`
}

type WatchConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	DebounceMillis int  `json:"debounceMillis" yaml:"debounceMillis"`
}

type HooksConfig struct {
	// PreSync is a list of shell commands to execute before the sync begins.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreSync []string `json:"preSync" yaml:"preSync"`
	// PostSync is a list of shell commands to execute after the sync ends, successful or not.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostSync []string `json:"postSync" yaml:"postSync"`
}

type RuntimeConfig struct {
	DryRun bool
	// ConfigPath is the file the configuration was loaded from, empty for defaults.
	ConfigPath string
}

type Config struct {
	Version  string        `json:"version" yaml:"version"`
	LogLevel string        `json:"logLevel" yaml:"logLevel"`
	Runtime  RuntimeConfig `json:"-" yaml:"-"` // Never added to config file
	Paths    PathsConfig   `json:"paths" yaml:"paths"`
	Sync     SyncConfig    `json:"sync" yaml:"sync"`
	Engine   EngineConfig  `json:"engine" yaml:"engine"`
	Report   ReportConfig  `json:"report" yaml:"report"`
	Watch    WatchConfig   `json:"watch" yaml:"watch"`
	Hooks    HooksConfig   `json:"hooks" yaml:"hooks"`
}

// legacyConfig holds the flat keys written by older releases.
type legacyConfig struct {
	From              string   `json:"from" yaml:"from"`
	To                string   `json:"to" yaml:"to"`
	BlackListPatterns []string `json:"black_list_patterns" yaml:"black_list_patterns"`
	ThreadCount       int      `json:"thread_count" yaml:"thread_count"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Paths: PathsConfig{
			Source:      "", // Intentionally empty to force user configuration.
			Destination: "", // Intentionally empty to force user configuration.
		},
		Sync: SyncConfig{
			ExcludedNames:    []string{},
			CompareStrategy:  pathsync.CompareBytes.String(),
			SizeMode:         pathsync.SizeLogical.String(),
			RetryCount:       3, // Default retries on failure.
			RetryWaitSeconds: 5, // Default wait time between retries.
		},
		Engine: EngineConfig{
			FailOnFileError: false,
			ProgressSeconds: 0, // No periodic progress line unless asked for.
			Performance: EnginePerformanceConfig{
				Workers:      4,   // Safe for HDDs (prevents thrashing), decent for SSDs.
				BufferSizeKB: 256, // Keep it between 64KB-4MB
			},
		},
		Watch: WatchConfig{
			Enabled:        false,
			DebounceMillis: 500,
		},
		Hooks: HooksConfig{
			PreSync:  []string{},
			PostSync: []string{},
		},
	}
}

// DefaultPath returns the configuration file used when none is given: ConfigFileName in
// dir if present, otherwise LegacyConfigFileName if present, otherwise "".
func DefaultPath(dir string) string {
	for _, name := range []string{ConfigFileName, LegacyConfigFileName} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load reads the configuration at path on top of the defaults. An empty path looks up
// the default locations in the working directory and returns the defaults without an
// error when neither exists. An explicit path must exist.
func Load(path string) (Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("could not determine working directory: %w", err)
		}
		path = DefaultPath(wd)
		if path == "" {
			return NewDefault(), nil
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s does not exist", absPath)
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values, then overwrite with the file's content.
	// Legacy keys are applied first so the modern keys win when both are present.
	config := NewDefault()
	var legacy legacyConfig
	if err := decode(absPath, data, &legacy); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}
	legacy.applyTo(&config)
	if err := decode(absPath, data, &config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	config.Runtime.ConfigPath = absPath
	// NOTE: if config.Version differs from the running version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

func (l legacyConfig) applyTo(c *Config) {
	if l.From != "" {
		c.Paths.Source = l.From
	}
	if l.To != "" {
		c.Paths.Destination = l.To
	}
	if len(l.BlackListPatterns) > 0 {
		c.Sync.ExcludedNames = l.BlackListPatterns
	}
	if l.ThreadCount > 0 {
		c.Engine.Performance.Workers = l.ThreadCount
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		if len(bytes.TrimSpace(data)) == 0 {
			return errors.New("file is empty")
		}
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// Generate writes configToGenerate to path, as YAML for .yaml/.yml paths and JSON otherwise.
// An existing file is overwritten; callers decide whether that is allowed.
func Generate(configToGenerate Config, path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(configToGenerate)
	} else {
		data, err = json.MarshalIndent(configToGenerate, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies and brings
// the roots into canonical, absolute form. Existence of the roots is left to preflight.
func (c *Config) Validate() error {
	// --- Strict Path Validation (Fail-Fast) ---
	if c.Paths.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Paths.Destination == "" {
		return fmt.Errorf("destination path cannot be empty")
	}

	var err error
	if c.Paths.Source, err = canonicalPath(c.Paths.Source); err != nil {
		return fmt.Errorf("could not resolve source path: %w", err)
	}
	if c.Paths.Destination, err = canonicalPath(c.Paths.Destination); err != nil {
		return fmt.Errorf("could not resolve destination path: %w", err)
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("logLevel must be one of 'debug', 'notice', 'info', 'warn', 'error', got %q", c.LogLevel)
	}

	if err := validateExcludedNames(c.Sync.ExcludedNames); err != nil {
		return err
	}
	c.Sync.ExcludedNames = util.DeduplicateOrdered(c.Sync.ExcludedNames)
	if _, err := pathsync.ParseCompareStrategy(c.Sync.CompareStrategy); err != nil {
		return fmt.Errorf("sync.compareStrategy: %w", err)
	}
	if _, err := pathsync.ParseSizeMode(c.Sync.SizeMode); err != nil {
		return fmt.Errorf("sync.sizeMode: %w", err)
	}
	if c.Sync.RetryCount < 0 {
		return fmt.Errorf("sync.retryCount cannot be negative")
	}
	if c.Sync.RetryWaitSeconds < 0 {
		return fmt.Errorf("sync.retryWaitSeconds cannot be negative")
	}

	// --- Validate Engine Settings ---
	if c.Engine.Performance.Workers < 1 {
		return fmt.Errorf("engine.performance.workers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}
	if c.Engine.ProgressSeconds < 0 {
		return fmt.Errorf("engine.progressSeconds cannot be negative")
	}

	if c.Report.File != "" {
		if _, err := report.FormatForPath(c.Report.File); err != nil {
			return fmt.Errorf("report.file: %w", err)
		}
		if c.Report.File, err = canonicalPath(c.Report.File); err != nil {
			return fmt.Errorf("could not resolve report file path: %w", err)
		}
	}

	if c.Watch.Enabled && c.Watch.DebounceMillis <= 0 {
		return fmt.Errorf("watch.debounceMillis must be greater than 0 when watch is enabled")
	}
	return nil
}

func canonicalPath(path string) (string, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(filepath.Clean(expanded))
}

// validateExcludedNames rejects entries that can never match a single path segment.
func validateExcludedNames(names []string) error {
	for _, name := range names {
		switch {
		case strings.TrimSpace(name) == "":
			return fmt.Errorf("sync.excludedNames cannot contain empty entries")
		case name == "." || name == "..":
			return fmt.Errorf("sync.excludedNames cannot contain %q", name)
		case strings.ContainsAny(name, `\/`):
			return fmt.Errorf("sync.excludedNames entry %q cannot contain path separators ('/' or '\\')", name)
		}
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Paths.Source,
		"destination", c.Paths.Destination,
		"dry_run", c.Runtime.DryRun,
		"compare", c.Sync.CompareStrategy,
		"size_mode", c.Sync.SizeMode,
		"workers", c.Engine.Performance.Workers,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
		"fail_on_file_error", c.Engine.FailOnFileError,
	}
	if c.Runtime.ConfigPath != "" {
		logArgs = append(logArgs, "config", c.Runtime.ConfigPath)
	}
	if len(c.Sync.ExcludedNames) > 0 {
		logArgs = append(logArgs, "excluded_names", strings.Join(c.Sync.ExcludedNames, ", "))
	}
	if c.Report.File != "" {
		logArgs = append(logArgs, "report", c.Report.File)
	}
	if c.Watch.Enabled {
		logArgs = append(logArgs, "watch", fmt.Sprintf("enabled (d:%dms)", c.Watch.DebounceMillis))
	}
	if len(c.Hooks.PreSync) > 0 {
		logArgs = append(logArgs, "pre_sync_hooks", strings.Join(c.Hooks.PreSync, "; "))
	}
	if len(c.Hooks.PostSync) > 0 {
		logArgs = append(logArgs, "post_sync_hooks", strings.Join(c.Hooks.PostSync, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Paths.Source = value.(string)
		case "destination":
			merged.Paths.Destination = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "exclude":
			merged.Sync.ExcludedNames = value.([]string)
		case "compare":
			merged.Sync.CompareStrategy = value.(string)
		case "size-mode":
			merged.Sync.SizeMode = value.(string)
		case "retry-count":
			merged.Sync.RetryCount = value.(int)
		case "retry-wait":
			merged.Sync.RetryWaitSeconds = value.(int)
		case "workers":
			merged.Engine.Performance.Workers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "fail-on-error":
			merged.Engine.FailOnFileError = value.(bool)
		case "progress":
			merged.Engine.ProgressSeconds = value.(int)
		case "report":
			merged.Report.File = value.(string)
		case "watch":
			switch command {
			case flagparse.Sync, flagparse.Init:
				merged.Watch.Enabled = value.(bool)
			default:
			}
		case "watch-debounce-ms":
			merged.Watch.DebounceMillis = value.(int)
		case "pre-sync-hooks":
			merged.Hooks.PreSync = value.([]string)
		case "post-sync-hooks":
			merged.Hooks.PostSync = value.([]string)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
