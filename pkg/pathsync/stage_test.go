package pathsync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/dispatch"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
)

// collector records results and failures for assertions.
type collector struct {
	mu       sync.Mutex
	results  map[string]Result
	failures map[string]error
}

func newCollector() *collector {
	return &collector{results: make(map[string]Result), failures: make(map[string]error)}
}

func (c *collector) Record(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.Path] = r
}

func (c *collector) onFailure(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[path] = err
}

func (c *collector) outcome(t *testing.T, path string) Outcome {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[path]
	if !ok {
		t.Fatalf("no result recorded for %s", path)
	}
	return r.Outcome
}

func (c *collector) count(o Outcome, isDir bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.results {
		if r.Outcome == o && r.IsDir == isDir {
			n++
		}
	}
	return n
}

// runStages runs prune and mirror the way the engine does.
func runStages(t *testing.T, settings Settings, strategy CompareStrategy) *collector {
	t.Helper()
	c := newCollector()
	d := dispatch.New(4, c.onFailure)
	metrics := &SyncMetrics{}

	checker, err := NewEqualityChecker(strategy, SizeLogical, pool.NewFixedBuffer(CompareChunkSize), metrics)
	if err != nil {
		t.Fatalf("failed to create checker: %v", err)
	}
	copier := NewCopier(pool.NewFixedBuffer(32*1024), 0, 0, metrics)

	prune := NewPruneStage(settings, c, metrics)
	if err := prune.Run(context.Background(), d); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	d.Wait()
	prune.RemoveOrphanDirs()

	mirror := NewMirrorStage(settings, checker, copier, c, metrics)
	if err := mirror.Run(context.Background(), d); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	d.Wait()
	return c
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(content)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestStages_ReplaceDeleteUnchanged(t *testing.T) {
	for _, strategy := range []CompareStrategy{CompareBytes, CompareHash} {
		t.Run(strategy.String(), func(t *testing.T) {
			src, dst := t.TempDir(), t.TempDir()
			writeTestFile(t, filepath.Join(src, "a.txt"), []byte("hi"))
			writeTestFile(t, filepath.Join(src, "sub", "b.txt"), []byte("yo"))
			writeTestFile(t, filepath.Join(dst, "a.txt"), []byte("hi"))
			writeTestFile(t, filepath.Join(dst, "sub", "b.txt"), []byte("no"))
			writeTestFile(t, filepath.Join(dst, "extra.txt"), []byte("x"))

			c := runStages(t, Settings{Source: src, Destination: dst}, strategy)

			if exists(filepath.Join(dst, "extra.txt")) {
				t.Error("expected extra.txt to be deleted")
			}
			if got := c.outcome(t, filepath.Join(dst, "extra.txt")); got != Deleted {
				t.Errorf("expected extra.txt deleted, got %s", got)
			}
			if got := c.outcome(t, filepath.Join(src, "a.txt")); got != Unchanged {
				t.Errorf("expected a.txt unchanged, got %s", got)
			}
			if got := c.outcome(t, filepath.Join(src, "sub", "b.txt")); got != Replaced {
				t.Errorf("expected sub/b.txt replaced, got %s", got)
			}
			if content := readTestFile(t, filepath.Join(dst, "sub", "b.txt")); content != "yo" {
				t.Errorf("expected sub/b.txt to contain yo, got %q", content)
			}
			if len(c.failures) != 0 {
				t.Errorf("expected no failures, got %v", c.failures)
			}
		})
	}
}

func TestStages_ExcludedDirectoryUntouched(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTestFile(t, filepath.Join(src, "index.js"), []byte("main"))
	writeTestFile(t, filepath.Join(src, "node_modules", "pkg.js"), []byte("dep"))
	writeTestFile(t, filepath.Join(dst, "app", "node_modules", "stale.js"), []byte("old"))

	settings := Settings{Source: src, Destination: dst, Filter: NewNameFilter([]string{"node_modules"})}
	c := runStages(t, settings, CompareBytes)

	if exists(filepath.Join(dst, "node_modules", "pkg.js")) {
		t.Error("expected node_modules/pkg.js not to be created")
	}
	if !exists(filepath.Join(dst, "app", "node_modules", "stale.js")) {
		t.Error("expected file inside excluded destination directory to survive")
	}
	// app has no source mirror but still holds the excluded directory.
	if !exists(filepath.Join(dst, "app")) {
		t.Error("expected non-empty orphan directory to be kept")
	}
	if readTestFile(t, filepath.Join(dst, "index.js")) != "main" {
		t.Error("expected index.js to be mirrored")
	}
	if len(c.failures) != 0 {
		t.Errorf("expected no failures, got %v", c.failures)
	}

	t.Run("Source File Over Excluded Directory", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		writeTestFile(t, filepath.Join(src, "node_modules"), []byte("a file"))
		writeTestFile(t, filepath.Join(dst, "node_modules", "keep.js"), []byte("dep"))

		settings := Settings{Source: src, Destination: dst, Filter: NewNameFilter([]string{"node_modules"})}
		c := runStages(t, settings, CompareBytes)

		if readTestFile(t, filepath.Join(dst, "node_modules", "keep.js")) != "dep" {
			t.Error("expected file inside excluded destination directory to survive")
		}
		if _, ok := c.failures[filepath.Join(src, "node_modules")]; !ok {
			t.Errorf("expected the source file to fail, got failures %v", c.failures)
		}
	})
}

func TestStages_Idempotent(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTestFile(t, filepath.Join(src, "a.txt"), []byte("alpha"))
	writeTestFile(t, filepath.Join(src, "x", "y", "z.bin"), []byte{0, 1, 2, 3})
	settings := Settings{Source: src, Destination: dst}

	first := runStages(t, settings, CompareBytes)
	if first.count(Created, false) != 2 {
		t.Errorf("expected 2 files created on first run, got %d", first.count(Created, false))
	}

	second := runStages(t, settings, CompareBytes)
	if n := second.count(Created, false) + second.count(Replaced, false); n != 0 {
		t.Errorf("expected no created or replaced files on second run, got %d", n)
	}
	if second.count(Unchanged, false) != 2 {
		t.Errorf("expected 2 unchanged files on second run, got %d", second.count(Unchanged, false))
	}
	if second.count(Created, true) != 0 {
		t.Errorf("expected no directories created on second run, got %d", second.count(Created, true))
	}
}

func TestStages_MirrorsEmptyDirsAndRemovesOrphans(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "empty", "nested"), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	writeTestFile(t, filepath.Join(dst, "gone", "deep", "old.txt"), []byte("old"))

	c := runStages(t, Settings{Source: src, Destination: dst}, CompareBytes)

	if !exists(filepath.Join(dst, "empty", "nested")) {
		t.Error("expected empty source directories to be mirrored")
	}
	if exists(filepath.Join(dst, "gone")) {
		t.Error("expected orphan directory tree to be removed")
	}
	if c.count(Deleted, true) != 2 {
		t.Errorf("expected 2 directories deleted, got %d", c.count(Deleted, true))
	}
}

func TestStages_TypeConflicts(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	// Source file where the destination has a directory, and the reverse.
	writeTestFile(t, filepath.Join(src, "was-dir"), []byte("now a file"))
	writeTestFile(t, filepath.Join(dst, "was-dir", "inner.txt"), []byte("x"))
	writeTestFile(t, filepath.Join(src, "was-file", "inner.txt"), []byte("y"))
	writeTestFile(t, filepath.Join(dst, "was-file"), []byte("old file"))

	c := runStages(t, Settings{Source: src, Destination: dst}, CompareBytes)

	if readTestFile(t, filepath.Join(dst, "was-dir")) != "now a file" {
		t.Error("expected directory to be replaced by file")
	}
	if readTestFile(t, filepath.Join(dst, "was-file", "inner.txt")) != "y" {
		t.Error("expected file to be replaced by directory")
	}
	if len(c.failures) != 0 {
		t.Errorf("expected no failures, got %v", c.failures)
	}
}

func TestStages_DryRunMakesNoChanges(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTestFile(t, filepath.Join(src, "new", "a.txt"), []byte("a"))
	writeTestFile(t, filepath.Join(dst, "extra.txt"), []byte("x"))

	c := runStages(t, Settings{Source: src, Destination: dst, DryRun: true}, CompareBytes)

	if exists(filepath.Join(dst, "new")) {
		t.Error("expected dry run not to create directories")
	}
	if !exists(filepath.Join(dst, "extra.txt")) {
		t.Error("expected dry run not to delete files")
	}
	r := c.results[filepath.Join(src, "new", "a.txt")]
	if r.Outcome != Created || !r.DryRun {
		t.Errorf("expected dry-run Created result, got %+v", r)
	}

	t.Run("File Shadowing Source Directory", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		writeTestFile(t, filepath.Join(src, "sub", "b.txt"), []byte("b"))
		writeTestFile(t, filepath.Join(dst, "sub"), []byte("a file"))

		c := runStages(t, Settings{Source: src, Destination: dst, DryRun: true}, CompareBytes)

		if len(c.failures) != 0 {
			t.Errorf("expected no failures, got %v", c.failures)
		}
		r := c.results[filepath.Join(src, "sub", "b.txt")]
		if r.Outcome != Created || !r.DryRun {
			t.Errorf("expected dry-run Created result, got %+v", r)
		}
		if readTestFile(t, filepath.Join(dst, "sub")) != "a file" {
			t.Error("expected dry run to leave the destination file alone")
		}
	})
}

func TestPruneStage_VanishedFileFails(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	settings := Settings{Source: src, Destination: dst}
	c := newCollector()
	prune := NewPruneStage(settings, c, nil)

	// Discovered by the walk, then deleted by someone else before its unit ran.
	gone := filepath.Join(dst, "gone.txt")
	if err := prune.pruneFile(gone); err == nil {
		t.Fatal("expected an error for a file that vanished before deletion")
	}
	if _, ok := c.results[gone]; ok {
		t.Error("expected no Deleted result for the vanished file")
	}

	// Through the dispatcher the error becomes a failure and the stage goes on.
	writeTestFile(t, filepath.Join(dst, "extra.txt"), []byte("x"))
	d := dispatch.New(2, c.onFailure)
	d.Submit(dispatch.Unit{Path: gone, Run: func() error { return prune.pruneFile(gone) }})
	if err := prune.Run(context.Background(), d); err != nil {
		t.Fatalf("expected the stage to continue, got %v", err)
	}
	d.Wait()
	if _, ok := c.failures[gone]; !ok {
		t.Errorf("expected %s to be recorded as failed, got %v", gone, c.failures)
	}
	if exists(filepath.Join(dst, "extra.txt")) {
		t.Error("expected the remaining extra file to be deleted")
	}
}

func TestCopier_PreservesModTimeAndAddsUserWrite(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ro.txt")
	writeTestFile(t, src, []byte("read only"))
	modTime := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, modTime, modTime); err != nil {
		t.Fatalf("failed to set mod time: %v", err)
	}
	if err := os.Chmod(src, 0444); err != nil {
		t.Fatalf("failed to chmod: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "deep", "copy.txt")
	copier := NewCopier(pool.NewFixedBuffer(1024), 1, time.Millisecond, nil)
	if err := copier.Copy(src, dst); err != nil {
		t.Fatalf("copy failed: %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("failed to stat copy: %v", err)
	}
	if !info.ModTime().Equal(modTime) {
		t.Errorf("expected mod time %v, got %v", modTime, info.ModTime())
	}
	if info.Mode().Perm()&0200 == 0 {
		t.Errorf("expected owner-write bit on copy, got %v", info.Mode().Perm())
	}
	if readTestFile(t, dst) != "read only" {
		t.Error("expected content to be copied")
	}
}

func TestCopier_MissingSourceFails(t *testing.T) {
	copier := NewCopier(pool.NewFixedBuffer(1024), 0, 0, nil)
	err := copier.Copy(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatal("expected error copying a missing source")
	}
}

func TestPruneStage_AbortsOnUnreadableRoot(t *testing.T) {
	settings := Settings{Source: t.TempDir(), Destination: filepath.Join(t.TempDir(), "missing")}
	c := newCollector()
	d := dispatch.New(1, c.onFailure)
	err := NewPruneStage(settings, c, nil).Run(context.Background(), d)
	d.Wait()
	if err == nil {
		t.Fatal("expected prune stage to fail for a missing destination root")
	}
}
