package report

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
)

func TestFormatForPath(t *testing.T) {
	testCases := []struct {
		path     string
		expected Format
		wantErr  bool
	}{
		{"report.tsv", Plain, false},
		{"report.LOG", Plain, false},
		{"run.txt", Plain, false},
		{"report.tsv.gz", Gzip, false},
		{"report.zst", Zstd, false},
		{"report.json", "", true},
		{"report", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			format, err := FormatForPath(tc.path)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %s, got nil", tc.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if format != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, format)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	testCases := []struct {
		result   pathsync.Result
		expected string
	}{
		{pathsync.Result{Outcome: pathsync.Created}, "CREATED"},
		{pathsync.Result{Outcome: pathsync.Replaced}, "REPLACED"},
		{pathsync.Result{Outcome: pathsync.Deleted}, "REMOVED"},
		{pathsync.Result{Outcome: pathsync.Deleted, IsDir: true}, "REMOVED DIR"},
		{pathsync.Result{Outcome: pathsync.Failed}, "FAILED"},
	}
	for _, tc := range testCases {
		if got := Label(tc.result); got != tc.expected {
			t.Errorf("expected %q, got %q", tc.expected, got)
		}
	}
}

func writeRun(t *testing.T, sink Sink) {
	t.Helper()
	if err := sink.Begin(RunInfo{ID: "run-1", Source: "/src", Destination: "/dst", Started: time.Now()}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	sink.Record(pathsync.Result{Path: "/src/a.txt", Mirror: "/dst/a.txt", Outcome: pathsync.Created})
	sink.Record(pathsync.Result{Path: "/dst/old", Outcome: pathsync.Deleted, IsDir: true})
	sink.Record(pathsync.Result{Path: "/src/b\tc", Outcome: pathsync.Failed, Err: errors.New("permission\ndenied")})
	if err := sink.End(1500 * time.Millisecond); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func readLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	return lines
}

func checkReportLines(t *testing.T, lines []string) {
	t.Helper()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "# run\trun-1\tsource=/src\tdestination=/dst") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	created := strings.Split(lines[1], "\t")
	if len(created) != 7 || created[1] != "created" || created[2] != "file" || created[4] != "/dst/a.txt" {
		t.Errorf("unexpected created line: %q", lines[1])
	}
	removed := strings.Split(lines[2], "\t")
	if len(removed) != 7 || removed[1] != "deleted" || removed[2] != "dir" {
		t.Errorf("unexpected deleted line: %q", lines[2])
	}
	failed := strings.Split(lines[3], "\t")
	if len(failed) != 7 || failed[3] != "/src/b c" || failed[6] != "permission denied" {
		t.Errorf("expected sanitized failure line, got %q", lines[3])
	}
	if lines[4] != "# end\telapsed=1.500s" {
		t.Errorf("unexpected footer: %q", lines[4])
	}
}

func TestFileSink(t *testing.T) {
	t.Run("Plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.tsv")
		sink, err := NewFile(path)
		if err != nil {
			t.Fatalf("failed to create sink: %v", err)
		}
		writeRun(t, sink)

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("failed to open report: %v", err)
		}
		defer f.Close()
		checkReportLines(t, readLines(t, f))
	})

	t.Run("Gzip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.tsv.gz")
		sink, err := NewFile(path)
		if err != nil {
			t.Fatalf("failed to create sink: %v", err)
		}
		writeRun(t, sink)

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("failed to open report: %v", err)
		}
		defer f.Close()
		gz, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create gzip reader: %v", err)
		}
		defer gz.Close()
		checkReportLines(t, readLines(t, gz))
	})

	t.Run("Zstd", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.zst")
		sink, err := NewFile(path)
		if err != nil {
			t.Fatalf("failed to create sink: %v", err)
		}
		writeRun(t, sink)

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("failed to open report: %v", err)
		}
		defer f.Close()
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create zstd reader: %v", err)
		}
		defer zr.Close()
		checkReportLines(t, readLines(t, zr))
	})

	t.Run("Unsupported Extension", func(t *testing.T) {
		if _, err := NewFile(filepath.Join(t.TempDir(), "report.json")); err == nil {
			t.Error("expected error for unsupported extension, got nil")
		}
	})
}

type countingSink struct {
	begins, records, ends, closes int
}

func (c *countingSink) Record(pathsync.Result)  { c.records++ }
func (c *countingSink) Begin(RunInfo) error     { c.begins++; return nil }
func (c *countingSink) End(time.Duration) error { c.ends++; return nil }
func (c *countingSink) Close() error            { c.closes++; return errors.New("close failed") }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi(a, b)
	_ = m.Begin(RunInfo{})
	m.Record(pathsync.Result{})
	m.Record(pathsync.Result{})
	_ = m.End(time.Second)
	err := m.Close()

	for _, c := range []*countingSink{a, b} {
		if c.begins != 1 || c.records != 2 || c.ends != 1 || c.closes != 1 {
			t.Errorf("expected 1/2/1/1 calls, got %d/%d/%d/%d", c.begins, c.records, c.ends, c.closes)
		}
	}
	if err == nil {
		t.Error("expected joined close error, got nil")
	}
}
