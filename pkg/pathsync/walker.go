package pathsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// TreeWalker performs a sequential depth-first traversal of a directory tree.
//
// Directories below the root are checked against Filter by base name; an excluded
// directory's whole subtree is skipped. Symlinks are resolved, so a link to a directory
// is traversed like a directory. Regular files, and entries that cannot be resolved,
// are passed to the file callback. Other entries (sockets, devices, pipes) are skipped.
//
// Following links applies to the destination walk too: prune visits the target of a
// destination link to a directory and deletes the files there that the source lacks,
// even when the target lies outside the destination. The mirror stage then replaces
// the link itself with a real directory.
type TreeWalker struct {
	Filter NameFilter

	// EnterDir, if set, is called for every allowed directory below the root before its
	// entries are read. Returning fs.SkipDir skips that directory; any other error aborts the walk.
	EnterDir func(path string) error
	// LeaveDir, if set, is called after every entry of an allowed directory has been visited.
	LeaveDir func(path string)
	// Excluded, if set, is called for every directory skipped by Filter.
	Excluded func(path string)
}

// Walk visits every file under root and calls onFile for it. Directory read errors
// abort the walk and are returned with the offending path.
func (w TreeWalker) Walk(ctx context.Context, root string, onFile func(path string)) error {
	return w.walkDir(ctx, root, onFile)
}

func (w TreeWalker) walkDir(ctx context.Context, dir string, onFile func(path string)) error {
	// Only an interrupt cancels ctx; stop descending and let the caller report it.
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		isDir, isRegular, statErr := resolveEntry(path, entry)
		if statErr != nil {
			// A dangling link or an entry that vanished. The file action reports it.
			onFile(path)
			continue
		}

		if isDir {
			if !w.Filter.Allowed(entry.Name()) {
				plog.Debug("Skipping excluded directory", "path", path)
				if w.Excluded != nil {
					w.Excluded(path)
				}
				continue
			}
			if w.EnterDir != nil {
				if err := w.EnterDir(path); err != nil {
					if errors.Is(err, fs.SkipDir) {
						continue
					}
					return err
				}
			}
			if err := w.walkDir(ctx, path, onFile); err != nil {
				return err
			}
			if w.LeaveDir != nil {
				w.LeaveDir(path)
			}
			continue
		}

		if !isRegular {
			plog.Debug("Skipping non-regular file", "path", path, "type", entry.Type().String())
			continue
		}
		onFile(path)
	}
	return nil
}

// resolveEntry classifies entry, following symlinks.
func resolveEntry(path string, entry os.DirEntry) (isDir, isRegular bool, err error) {
	mode := entry.Type()
	if mode&os.ModeSymlink == 0 {
		return mode.IsDir(), mode.IsRegular(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, false, err
	}
	return info.IsDir(), info.Mode().IsRegular(), nil
}
