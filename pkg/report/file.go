package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// flusher is implemented by the compressing writers.
type flusher interface {
	Flush() error
}

// File writes a tab-separated report, optionally compressed.
//
// Each run is framed by a "# run" header and a "# end" footer line. Entry lines are
//
//	<time RFC3339>	<outcome>	<file|dir>	<path>	<mirror>	<dry-run>	<error>
type File struct {
	path   string
	format Format

	mu         sync.Mutex
	file       *os.File
	buf        *bufio.Writer
	compressed io.WriteCloser // nil for Plain
	w          io.Writer
	werr       error
}

// NewFile creates (or truncates) the report file at path. The format is chosen
// from the extension, see FormatForPath.
func NewFile(path string) (*File, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file %s: %w", path, err)
	}

	s := &File{path: path, format: format, file: f, buf: bufio.NewWriter(f)}
	switch format {
	case Gzip:
		s.compressed = pgzip.NewWriter(s.buf)
	case Zstd:
		zw, err := zstd.NewWriter(s.buf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		s.compressed = zw
	}
	if s.compressed != nil {
		s.w = s.compressed
	} else {
		s.w = s.buf
	}
	plog.Debug("Writing report file", "path", path, "format", format)
	return s, nil
}

// Path returns the report file path.
func (s *File) Path() string { return s.path }

func (s *File) writeLine(fields ...string) {
	if s.werr != nil {
		return
	}
	_, s.werr = io.WriteString(s.w, strings.Join(fields, "\t")+"\n")
}

func (s *File) Begin(run RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLine("# run", run.ID,
		"source="+run.Source,
		"destination="+run.Destination,
		fmt.Sprintf("dry_run=%t", run.DryRun),
		"started="+run.Started.UTC().Format(time.RFC3339))
	return s.werr
}

func (s *File) Record(r pathsync.Result) {
	kind := "file"
	if r.IsDir {
		kind = "dir"
	}
	errText := ""
	if r.Err != nil {
		errText = sanitize(r.Err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLine(time.Now().UTC().Format(time.RFC3339), r.Outcome.String(), kind,
		sanitize(r.Path), sanitize(r.Mirror), fmt.Sprintf("%t", r.DryRun), errText)
	if s.werr != nil {
		plog.Warn("Failed to write report line", "path", s.path, "error", s.werr)
	}
}

// End writes the run footer and flushes everything written so far to disk.
func (s *File) End(elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLine("# end", fmt.Sprintf("elapsed=%.3fs", elapsed.Seconds()))
	if s.werr != nil {
		return fmt.Errorf("failed to write report %s: %w", s.path, s.werr)
	}
	if f, ok := s.compressed.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush report compressor: %w", err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush report %s: %w", s.path, err)
	}
	return nil
}

// Close finishes the compressed stream and closes the file.
func (s *File) Close() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	defer func() {
		if err := s.file.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close report %s: %w", s.path, err)
		}
		s.file = nil
	}()

	if s.compressed != nil {
		if err := s.compressed.Close(); err != nil {
			return fmt.Errorf("compressed writer close failed: %w", err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("buffer flush failed: %w", err)
	}
	return nil
}

// sanitize keeps a field on one line and inside its column.
func sanitize(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}
