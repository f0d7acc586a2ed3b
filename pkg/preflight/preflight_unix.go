//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkVolumeExists has nothing to check on unix; an unmounted target is a plain
// directory there and CheckDestinationAccessible covers it.
func checkVolumeExists(path string) error { return nil }

// pathKey returns path in the form used for identity comparisons.
func pathKey(path string) string { return path }

// sameFilesystem compares the device IDs of a and b.
func sameFilesystem(a, b string) (bool, error) {
	var statA, statB unix.Stat_t
	if err := unix.Stat(a, &statA); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", a, err)
	}
	if err := unix.Stat(b, &statB); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", b, err)
	}
	return statA.Dev == statB.Dev, nil
}
