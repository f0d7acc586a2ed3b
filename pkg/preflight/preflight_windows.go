//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeExists verifies that the drive or network share root of path exists.
// For example, for "Z:\mirror", it checks if "Z:\" exists.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	root = filepath.Clean(root)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}

// pathKey returns path in the form used for identity comparisons. NTFS is case-insensitive.
func pathKey(path string) string { return strings.ToLower(path) }

// sameFilesystem compares the volume names of a and b.
func sameFilesystem(a, b string) (bool, error) {
	return strings.EqualFold(filepath.VolumeName(a), filepath.VolumeName(b)), nil
}
