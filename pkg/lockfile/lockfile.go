// Package lockfile makes sure only one run mirrors into a given destination at a time.
//
// The lock file lives outside the destination tree (in the system temp directory by
// default) so that it can never be pruned or mirrored. Its name is derived from the
// cleaned destination path. The holder refreshes the file periodically; a lock that
// has not been refreshed within the stale timeout is taken over.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const lockFilePrefix = "pgl-mirror-"

// LockContent is the JSON document stored in the lock file.
type LockContent struct {
	PID         int64     `json:"pid"`
	Hostname    string    `json:"hostname"`
	Destination string    `json:"destination"`
	LastUpdate  time.Time `json:"lastUpdate"`
	// Nonce is unique per acquisition and resolves takeover races between processes.
	Nonce string `json:"nonce"`
}

// ErrLockActive is returned when another process holds a fresh lock on the destination.
type ErrLockActive struct {
	PID         int64
	Hostname    string
	Destination string
	TimeSince   time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("destination %s is locked by PID %d on host '%s', last updated %s ago",
		e.Destination, e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process won the takeover of a stale lock.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file is persistently empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

const maxAcquireAttempts = 3

// Lock is a held destination lock. Release it when the run ends.
type Lock struct {
	path string

	mu      sync.Mutex
	content LockContent
	held    bool
	stop    context.CancelFunc
	stopped chan struct{}
}

// DefaultDir returns the directory lock files are created in.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "pgl-mirror-locks")
}

// PathFor returns the lock file path for destination inside dir.
func PathFor(dir, destination string) string {
	h := fnv.New64a()
	h.Write([]byte(filepath.Clean(destination)))
	return filepath.Join(dir, fmt.Sprintf("%s%016x.lock", lockFilePrefix, h.Sum64()))
}

// Acquire takes the lock for destination, creating dir if needed.
// ctx bounds the acquisition only; the heartbeat runs until Release.
// A lock held by a live process yields an *ErrLockActive.
func Acquire(ctx context.Context, dir, destination string) (*Lock, error) {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	path := PathFor(dir, destination)

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(destination)
		if err != nil {
			return nil, err
		}

		err = create(path, content)
		if err == nil {
			return start(path, content), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		existing, readErr := readLockContentSafely(path)
		switch {
		case readErr == nil:
			age := time.Since(existing.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{
					PID:         existing.PID,
					Hostname:    existing.Hostname,
					Destination: existing.Destination,
					TimeSince:   age,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", existing.PID, "host", existing.Hostname, "age", age.Truncate(time.Second))
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		default:
			// The holder may just have released it.
			plog.Debug("Could not read existing lock, retrying", "path", path, "error", readErr)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if err := takeover(path, content); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return start(path, content), nil
	}
	return nil, fmt.Errorf("failed to acquire lock for %s after %d attempts (contention)", destination, maxAcquireAttempts)
}

func newContent(destination string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, fmt.Errorf("failed to read hostname: %w", err)
	}
	return LockContent{
		PID:         int64(os.Getpid()),
		Hostname:    hostname,
		Destination: destination,
		LastUpdate:  time.Now().UTC(),
		Nonce:       uuid.NewString(),
	}, nil
}

// create writes content to a new lock file. O_EXCL makes the creation the point of
// acquisition: exactly one process can succeed.
func create(path string, content LockContent) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	writeErr := writeLockContent(f, content)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to initialize lock file: %w", err)
	}
	return nil
}

// takeover atomically replaces a stale lock with content and reads it back. Only the
// process whose nonce survives owns the lock.
func takeover(path string, content LockContent) error {
	if err := writeAtomic(path, content); err != nil {
		return err
	}
	current, err := readLockContentSafely(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if current.PID != content.PID || current.Nonce != content.Nonce {
		return ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return nil
}

func start(path string, content LockContent) *Lock {
	sweepTempFiles(path)

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, content: content, held: true, stop: cancel, stopped: make(chan struct{})}
	go l.heartbeat(ctx)
	plog.Debug("Lock acquired", "path", path)
	return l
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.stop()
	<-l.stopped

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeAtomic(l.path, content); err != nil {
				// Keep ticking; a later refresh may succeed before the lock goes stale.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// writeAtomic writes content to a temp file next to path and renames it over path,
// so readers never see a partially written lock.
func writeAtomic(path string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpName, "error", err)
		}
	}()

	if err := writeLockContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp lock file: %w", err)
	}
	// Windows refuses to rename open files.
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// sweepTempFiles removes temp files left behind by crashed writers of path.
// Only files older than the stale timeout are touched; younger ones may belong
// to a heartbeat in progress.
func sweepTempFiles(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying briefly when it is empty or
// not yet valid JSON, which a concurrent create can expose.
func readLockContentSafely(path string) (LockContent, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			continue
		}
		if len(data) == 0 {
			lastErr = fmt.Errorf("%w: file is empty", ErrCorruptLockFile)
			continue
		}
		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrCorruptLockFile, err)
			continue
		}
		return content, nil
	}
	return LockContent{}, lastErr
}
