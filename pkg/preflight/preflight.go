// Package preflight provides checks that run before a sync begins. They validate the
// roots and report problems with friendlier errors than the first failing file
// operation would. Apart from a short-lived probe file for the writability check,
// they do not change the filesystem.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Run performs the checks enabled in p against the source and destination roots.
// The writability probe is skipped in dry-run mode.
func Run(source, destination string, p *Plan) error {
	if p.SourceAccessible {
		if err := CheckSourceAccessible(source); err != nil {
			return err
		}
	}
	if p.DestinationAccessible {
		if err := CheckDestinationAccessible(destination); err != nil {
			return err
		}
	}
	if p.RootsDisjoint {
		if err := CheckRootsDisjoint(source, destination); err != nil {
			return err
		}
	}
	if p.DestinationWritable && !p.DryRun {
		if err := CheckDestinationWritable(destination); err != nil {
			return err
		}
	}
	if p.SameFilesystem {
		same, err := sameFilesystem(source, destination)
		if err != nil {
			plog.Debug("Could not compare filesystems", "error", err)
		} else if !same {
			plog.Warn("Source and destination are on different filesystems; allocated sizes may differ for identical files",
				"source", source, "destination", destination)
		}
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(path string) error {
	return checkDirectory("source", path)
}

// CheckDestinationAccessible validates that the destination exists and is a directory.
// On Windows it first verifies that the drive or share is available.
func CheckDestinationAccessible(path string) error {
	if err := checkVolumeExists(path); err != nil {
		return err
	}
	return checkDirectory("destination", path)
}

func checkDirectory(role, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s directory %s does not exist", role, path)
		}
		return fmt.Errorf("cannot stat %s directory %s: %w", role, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path %s is not a directory", role, path)
	}
	return nil
}

// CheckRootsDisjoint rejects roots that are the same directory or nested in each
// other. Mirroring either way would make the run feed on its own output or prune
// its own input. Symlinks are resolved where possible.
func CheckRootsDisjoint(source, destination string) error {
	src := resolve(source)
	dst := resolve(destination)

	if pathKey(src) == pathKey(dst) {
		return fmt.Errorf("source and destination are the same directory: %s", src)
	}
	if isWithin(src, dst) {
		return fmt.Errorf("destination %s is inside source %s", dst, src)
	}
	if isWithin(dst, src) {
		return fmt.Errorf("source %s is inside destination %s", src, dst)
	}
	return nil
}

func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// isWithin reports whether child lies below parent.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(pathKey(parent), pathKey(child))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CheckDestinationWritable ensures files can be created in the destination by
// creating and removing a probe file.
func CheckDestinationWritable(path string) error {
	if err := checkDirectory("destination", path); err != nil {
		return err
	}
	f, err := os.CreateTemp(path, ".pgl-mirror-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", path, err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		plog.Warn("Failed to remove write probe", "path", name, "error", err)
	}
	return nil
}
