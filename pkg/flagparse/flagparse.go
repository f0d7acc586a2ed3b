package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// ConfigFileNameHint is the default shown for the -config flag of 'init'.
const ConfigFileNameHint = "pgl-mirror.config.json"

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool

	// Shared: Sync / Init
	Config        *string
	Source        *string
	Destination   *string
	Exclude       *string
	Workers       *int
	BufferSizeKB  *int
	Compare       *string
	SizeMode      *string
	RetryCount    *int
	RetryWait     *int
	FailOnError   *bool
	Progress      *int
	Report        *string
	Watch         *bool
	WatchDebounce *int
	PreSyncHooks  *string
	PostSyncHooks *string

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to mirror from.")
	f.Destination = fs.String("destination", "", "Destination directory to mirror into.")
	f.Exclude = fs.String("exclude", "", "Comma-separated list of exact, case-sensitive directory names to skip in both trees.")
	f.Workers = fs.Int("workers", 0, "Number of worker goroutines for file comparison, copy and delete.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	f.Compare = fs.String("compare", "", "Content compare strategy: 'bytes' or 'hash'.")
	f.SizeMode = fs.String("size-mode", "", "Size used for the equality pre-check: 'logical' or 'allocated'.")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries for failed file copies.")
	f.RetryWait = fs.Int("retry-wait", 0, "Seconds to wait between retries.")
	f.FailOnError = fs.Bool("fail-on-error", false, "Exit with a non-zero status if any file failed to sync.")
	f.Progress = fs.Int("progress", 0, "Seconds between progress lines (0 disables them).")
	f.Report = fs.String("report", "", "Write a per-file report to this path (.txt, .log, .tsv, .gz or .zst).")
	f.Watch = fs.Bool("watch", false, "Keep running and re-sync when the source tree changes.")
	f.WatchDebounce = fs.Int("watch-debounce-ms", 0, "Milliseconds of quiet time before a change triggers a re-sync.")
	f.PreSyncHooks = fs.String("pre-sync-hooks", "", "Comma-separated list of commands to run before the sync.")
	f.PostSyncHooks = fs.String("post-sync-hooks", "", "Comma-separated list of commands to run after the sync.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and the
// map of flags the user explicitly set. Without arguments, or with a single config file
// argument, it behaves like 'sync'.
func Parse(args []string) (Command, map[string]interface{}, error) {
	if len(args) == 0 {
		return Sync, map[string]interface{}{}, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		if isConfigPath(args[0]) {
			// Legacy form: the config file is the only argument.
			return parseSync(Sync, args, f)
		}
		return None, nil, err
	}

	switch command {
	case Sync:
		return parseSync(command, args[1:], f)

	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		f.Config = fs.String("config", ConfigFileNameHint, "Path of the config file to write (.json, .yaml or .yml).")
		f.Force = fs.Bool("force", false, "Overwrite an existing config file.")

		fs.Usage = func() {
			printSubcommandUsage(command, "Write a new configuration file.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		if fs.NArg() > 0 {
			return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func parseSync(command Command, args []string, f *cliFlags) (Command, map[string]interface{}, error) {
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	registerSyncFlags(fs, f)
	f.Config = fs.String("config", "", "Path of the config file to load (.json, .yaml or .yml).")

	fs.Usage = func() {
		printSubcommandUsage(command, "Mirror the source tree into the destination tree.", fs)
	}

	if err := fs.Parse(args); err != nil {
		return command, nil, err
	}

	flagMap, err := flagsToMap(fs, f)
	if err != nil {
		return command, nil, err
	}

	// A single positional argument names the config file.
	switch fs.NArg() {
	case 0:
	case 1:
		if _, set := flagMap["config"]; set {
			return command, nil, fmt.Errorf("config file given both as -config and as argument")
		}
		flagMap["config"] = fs.Arg(0)
	default:
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}
	return command, flagMap, nil
}

func isConfigPath(arg string) bool {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "destination", f.Destination)
	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "compare", f.Compare)
	addIfUsed(flagMap, usedFlags, "size-mode", f.SizeMode)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "retry-wait", f.RetryWait)
	addIfUsed(flagMap, usedFlags, "fail-on-error", f.FailOnError)
	addIfUsed(flagMap, usedFlags, "progress", f.Progress)
	addIfUsed(flagMap, usedFlags, "report", f.Report)
	addIfUsed(flagMap, usedFlags, "watch", f.Watch)
	addIfUsed(flagMap, usedFlags, "watch-debounce-ms", f.WatchDebounce)

	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.Exclude, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "pre-sync-hooks", f.PreSyncHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-sync-hooks", f.PostSyncHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "One-way directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n", execName)
	fmt.Fprintf(fs.Output(), "       %s [config-file]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  sync        Mirror the source tree into the destination tree (default)\n")
	fmt.Fprintf(fs.Output(), "  init        Write a new configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "One-way directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseExcludeList parses a comma-separated list of file or directory patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
