package pathsync

import "slices"

// NameFilter decides which directories are traversed. It holds an ordered list of
// literal directory names; matching is exact and case-sensitive.
type NameFilter struct {
	names []string
}

// NewNameFilter returns a filter excluding every directory whose base name equals
// one of names.
func NewNameFilter(names []string) NameFilter {
	return NameFilter{names: slices.Clone(names)}
}

// Allowed reports whether a directory named name may be traversed.
func (f NameFilter) Allowed(name string) bool {
	return !slices.Contains(f.names, name)
}

// Names returns the exclusion list in its configured order.
func (f NameFilter) Names() []string {
	return slices.Clone(f.names)
}
