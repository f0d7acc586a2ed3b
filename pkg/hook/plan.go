package hook

// Plan lists the shell commands to run around a sync.
type Plan struct {
	PreSync  []string
	PostSync []string

	// Global Flags
	DryRun bool
	// FailOnError makes a failing command abort the remaining commands and return
	// its error. Otherwise failures are logged and the next command runs.
	FailOnError bool
}
