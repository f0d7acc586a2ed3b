package preflight

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible      bool
	DestinationAccessible bool
	RootsDisjoint         bool
	DestinationWritable   bool
	// SameFilesystem warns, without failing, when the roots live on different filesystems.
	SameFilesystem bool

	// Global Flags
	DryRun bool
}
