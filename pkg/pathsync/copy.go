package pathsync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Copier writes destination files and directories.
//
// Every directory and file it creates gets the owner-write bit, so that a read-only
// source never locks the mirroring user out of the destination on the next run.
type Copier struct {
	buffers    *pool.FixedBufferPool
	retryCount int
	retryWait  time.Duration
	metrics    Metrics

	// dirCache holds destination directories known to exist during this run.
	dirCache *sharded.Set
	// dirGroup lets one caller create a directory while concurrent callers for the
	// same path wait for its result.
	dirGroup singleflight.Group
}

// NewCopier returns a Copier using buffers for file content and retrying failed
// copies retryCount times, waiting retryWait between attempts.
func NewCopier(buffers *pool.FixedBufferPool, retryCount int, retryWait time.Duration, metrics Metrics) *Copier {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Copier{
		buffers:    buffers,
		retryCount: retryCount,
		retryWait:  retryWait,
		metrics:    metrics,
		dirCache:   sharded.NewSet(sharded.DefaultShards),
	}
}

// EnsureDir makes sure path is a directory, creating it and any missing parents.
// A non-directory occupying path is removed first. created is true only for the
// caller that actually created the directory.
func (c *Copier) EnsureDir(path string, perm os.FileMode) (created bool, err error) {
	if c.dirCache.Has(path) {
		return false, nil
	}

	v, err, shared := c.dirGroup.Do(path, func() (any, error) {
		if c.dirCache.Has(path) {
			return false, nil
		}

		dirPerm := util.WithUserExecutePermission(util.WithUserWritePermission(perm.Perm()))
		info, err := os.Lstat(path)
		switch {
		case err == nil && info.IsDir():
			c.dirCache.Store(path)
			return false, nil
		case err == nil:
			plog.Warn("Destination path exists but is not a directory, removing", "path", path, "type", info.Mode().String())
			if err := os.Remove(path); err != nil {
				return false, fmt.Errorf("failed to remove conflicting destination entry %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return false, fmt.Errorf("failed to lstat destination directory %s: %w", path, err)
		}

		if err := os.MkdirAll(path, dirPerm); err != nil {
			return false, fmt.Errorf("failed to create destination directory %s: %w", path, err)
		}
		c.dirCache.Store(path)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return !shared && v.(bool), nil
}

// Copy copies src to dst, replacing dst if it exists. dst's parent directory is created
// when missing. The content is written to a temporary file next to dst which is renamed
// over dst once complete, so dst is never observed half-written.
func (c *Copier) Copy(src, dst string) error {
	if _, err := c.EnsureDir(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < c.retryCount+1; i++ {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", src, "attempt", fmt.Sprintf("%d/%d", i, c.retryCount), "after", c.retryWait)
			time.Sleep(c.retryWait)
		}
		if lastErr = c.copyFileSafe(src, dst); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to copy file from '%s' to '%s' after %d attempts: %w", src, dst, c.retryCount+1, lastErr)
}

func (c *Copier) copyFileSafe(src, dst string) (err error) {
	// 1. Open source file.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	// 2. Create a temporary file in the destination directory.
	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, ".pgl-mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	defer out.Close()

	tempPath := out.Name()
	// Cleared after a successful rename.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	// 3. Copy content.
	bufPtr := c.buffers.Get()
	defer c.buffers.Put(bufPtr)

	written, err := io.CopyBuffer(out, in, *bufPtr)
	if err != nil {
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}
	c.metrics.AddBytesWritten(written)

	// 4. Copy file permissions from the source, keeping the owner-write bit.
	if err := out.Chmod(util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}

	// 5. Close before Chtimes; flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	// 6. Copy file timestamps.
	if err := os.Chtimes(tempPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
	}

	// 7. os.Rename replaces dst atomically on POSIX and via MoveFileEx on Windows.
	if err := os.Rename(tempPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place at %s: %w", tempPath, dst, err)
	}
	tempPath = ""
	return nil
}
