package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
	"github.com/paulschiretz/pgl-mirror/pkg/planner"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

// recordingSink keeps every result for assertions.
type recordingSink struct {
	mu      sync.Mutex
	run     report.RunInfo
	results []pathsync.Result
	ended   bool
}

func (s *recordingSink) Record(r pathsync.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) Begin(run report.RunInfo) error { s.run = run; return nil }
func (s *recordingSink) End(time.Duration) error        { s.ended = true; return nil }
func (s *recordingSink) Close() error                   { return nil }

// outcomes returns the recorded outcome per path relative to root.
func (s *recordingSink) outcomes(t *testing.T, roots ...string) map[string]pathsync.Outcome {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]pathsync.Outcome)
	for _, r := range s.results {
		key := r.Path
		for _, root := range roots {
			if rel, err := filepath.Rel(root, r.Path); err == nil && !filepath.IsAbs(rel) && rel[0] != '.' {
				key = filepath.ToSlash(rel)
				break
			}
		}
		m[key] = r.Outcome
	}
	return m
}

func (s *recordingSink) count(o pathsync.Outcome) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// writeTree creates files from a map of slash-separated relative paths to contents.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// readTree returns every regular file below root, keyed by slash-separated relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			files[filepath.ToSlash(rel)] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", root, err)
	}
	return files
}

func newPlan(t *testing.T, src, dst string, mod func(c *config.Config)) *planner.SyncPlan {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Paths.Source = src
	cfg.Paths.Destination = dst
	cfg.Sync.RetryCount = 0
	cfg.Sync.RetryWaitSeconds = 0
	if mod != nil {
		mod(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	plan, err := planner.GenerateSyncPlan(cfg)
	if err != nil {
		t.Fatalf("failed to generate plan: %v", err)
	}
	plan.LockDir = t.TempDir()
	return plan
}

func TestSyncEngine_ReplaceDeleteUnchanged(t *testing.T) {
	for _, strategy := range []string{"bytes", "hash"} {
		t.Run(strategy, func(t *testing.T) {
			src, dst := t.TempDir(), t.TempDir()
			writeTree(t, src, map[string]string{"a.txt": "hi", "sub/b.txt": "yo"})
			writeTree(t, dst, map[string]string{"a.txt": "hi", "sub/b.txt": "no", "extra.txt": "x"})

			plan := newPlan(t, src, dst, func(c *config.Config) { c.Sync.CompareStrategy = strategy })
			sink := &recordingSink{}
			summary, err := New(plan.Sync, sink).Run(context.Background())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			got := sink.outcomes(t, src, dst)
			want := map[string]pathsync.Outcome{
				"extra.txt": pathsync.Deleted,
				"a.txt":     pathsync.Unchanged,
				"sub/b.txt": pathsync.Replaced,
			}
			for path, outcome := range want {
				if got[path] != outcome {
					t.Errorf("expected %s to be %s, got %s", path, outcome, got[path])
				}
			}
			if tree := readTree(t, dst); len(tree) != 2 || tree["sub/b.txt"] != "yo" || tree["a.txt"] != "hi" {
				t.Errorf("expected destination {a.txt:hi, sub/b.txt:yo}, got %v", tree)
			}
			if summary.Failures != 0 || summary.RunID == "" || summary.RunID != sink.run.ID || !sink.ended {
				t.Errorf("expected clean summary matching the report, got %+v", summary)
			}
			if summary.Metrics.FilesDeleted.Load() != 1 || summary.Metrics.FilesReplaced.Load() != 1 || summary.Metrics.FilesUnchanged.Load() != 1 {
				t.Errorf("expected metrics 1 deleted/1 replaced/1 unchanged, got %d/%d/%d",
					summary.Metrics.FilesDeleted.Load(), summary.Metrics.FilesReplaced.Load(), summary.Metrics.FilesUnchanged.Load())
			}
		})
	}
}

func TestSyncEngine_ExcludedDirectoryNotCreated(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"node_modules/pkg.js": "js", "main.go": "package main"})
	writeTree(t, dst, map[string]string{"keep/node_modules/cache.bin": "bin"})
	if err := os.MkdirAll(filepath.Join(src, "keep"), 0755); err != nil {
		t.Fatal(err)
	}

	plan := newPlan(t, src, dst, func(c *config.Config) { c.Sync.ExcludedNames = []string{"node_modules"} })
	sink := &recordingSink{}
	if _, err := New(plan.Sync, sink).Run(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "node_modules", "pkg.js")); !os.IsNotExist(err) {
		t.Error("expected excluded file not to be created in the destination")
	}
	if _, err := os.Stat(filepath.Join(dst, "keep", "node_modules", "cache.bin")); err != nil {
		t.Errorf("expected file inside destination excluded dir to be kept: %v", err)
	}
	if sink.count(pathsync.Failed) != 0 {
		t.Errorf("expected no failures, got %d", sink.count(pathsync.Failed))
	}
}

func TestSyncEngine_CompletenessAndPruning(t *testing.T) {
	source := map[string]string{}
	for i := 0; i < 40; i++ {
		source[fmt.Sprintf("d%d/e%d/f%d.txt", i%4, i%3, i)] = fmt.Sprintf("content %d", i)
	}
	source["empty-file"] = ""

	for _, workers := range []int{1, 8} {
		for _, strategy := range []string{"bytes", "hash"} {
			t.Run(fmt.Sprintf("%s_workers_%d", strategy, workers), func(t *testing.T) {
				src, dst := t.TempDir(), t.TempDir()
				writeTree(t, src, source)
				writeTree(t, dst, map[string]string{
					"d0/e0/f0.txt":     "stale",
					"orphan/deep/x":    "x",
					"d1/only-in-dest":  "y",
					"d9/e9/gone.txt":   "z",
					"d2/e2/f2.txt/sub": "file where a file belongs",
				})

				plan := newPlan(t, src, dst, func(c *config.Config) {
					c.Sync.CompareStrategy = strategy
					c.Engine.Performance.Workers = workers
				})
				sink := &recordingSink{}
				summary, err := New(plan.Sync, sink).Run(context.Background())
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if summary.Failures != 0 {
					t.Fatalf("expected no failures, got %d: %v", summary.Failures, sink.results)
				}

				got := readTree(t, dst)
				if len(got) != len(source) {
					t.Errorf("expected %d files in destination, got %d", len(source), len(got))
				}
				for rel, content := range source {
					if got[rel] != content {
						t.Errorf("expected %s to be %q, got %q", rel, content, got[rel])
					}
				}
				for _, orphan := range []string{"orphan", "d9"} {
					if _, err := os.Stat(filepath.Join(dst, orphan)); !os.IsNotExist(err) {
						t.Errorf("expected orphan directory %s to be removed", orphan)
					}
				}

				// A second run over unchanged trees only reports unchanged files.
				again := &recordingSink{}
				if _, err := New(plan.Sync, again).Run(context.Background()); err != nil {
					t.Fatalf("second run failed: %v", err)
				}
				if n := again.count(pathsync.Unchanged); n != len(source) || len(again.results) != n {
					t.Errorf("expected %d unchanged results and nothing else, got %d of %d", len(source), n, len(again.results))
				}
			})
		}
	}
}

func TestSyncEngine_FailurePolicy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}

	setup := func(t *testing.T) (string, string) {
		src, dst := t.TempDir(), t.TempDir()
		writeTree(t, src, map[string]string{"ok.txt": "ok"})
		if err := os.Symlink(filepath.Join(src, "missing-target"), filepath.Join(src, "dangling")); err != nil {
			t.Fatalf("failed to create symlink: %v", err)
		}
		return src, dst
	}

	t.Run("Best Effort", func(t *testing.T) {
		src, dst := setup(t)
		plan := newPlan(t, src, dst, nil)
		sink := &recordingSink{}
		summary, err := New(plan.Sync, sink).Run(context.Background())
		if err != nil {
			t.Fatalf("expected per-file failures not to fail the run, got %v", err)
		}
		if summary.Failures != 1 {
			t.Errorf("expected 1 failure, got %d", summary.Failures)
		}
		if err := summary.FailedPaths[filepath.Join(src, "dangling")]; err == nil {
			t.Errorf("expected the dangling link in the failed paths, got %v", summary.FailedPaths)
		}
		if got := sink.outcomes(t, src)["dangling"]; got != pathsync.Failed {
			t.Errorf("expected dangling link to fail, got %s", got)
		}
		if tree := readTree(t, dst); tree["ok.txt"] != "ok" {
			t.Error("expected the remaining file to be mirrored")
		}
	})

	t.Run("Directory Failures Are Listed", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		// A directory name that is not valid UTF-8 cannot be mapped and fails on entry.
		badDir := filepath.Join(src, "bad-\xff")
		if err := os.Mkdir(badDir, 0755); err != nil {
			t.Skipf("filesystem rejects non-UTF-8 names: %v", err)
		}
		writeTree(t, src, map[string]string{"ok.txt": "ok"})

		plan := newPlan(t, src, dst, nil)
		summary, err := New(plan.Sync, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("expected per-entry failures not to fail the run, got %v", err)
		}
		if summary.Failures != 1 || int64(len(summary.FailedPaths)) != summary.Failures {
			t.Errorf("expected 1 failure listed in FailedPaths, got %d and %v", summary.Failures, summary.FailedPaths)
		}
		if err := summary.FailedPaths[badDir]; !errors.Is(err, pathsync.ErrNotText) {
			t.Errorf("expected ErrNotText for %q, got %v", badDir, err)
		}
	})

	t.Run("Fail On File Error", func(t *testing.T) {
		src, dst := setup(t)
		plan := newPlan(t, src, dst, func(c *config.Config) { c.Engine.FailOnFileError = true })
		_, err := New(plan.Sync, nil).Run(context.Background())
		if !errors.Is(err, ErrFileFailures) {
			t.Fatalf("expected ErrFileFailures, got %v", err)
		}
		if tree := readTree(t, dst); tree["ok.txt"] != "ok" {
			t.Error("expected the remaining file to be mirrored before reporting the failure")
		}
	})
}

func TestSyncEngine_RootErrorAborts(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	dst := filepath.Join(t.TempDir(), "vanished")

	plan := newPlan(t, src, dst, nil)
	sink := &recordingSink{}
	_, err := New(plan.Sync, sink).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing destination root, got nil")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if !sink.ended {
		t.Error("expected the report to be finished on abort")
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("expected no mirror stage after an aborted prune stage")
	}
}

func TestSyncEngine_Canceled(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := newPlan(t, src, dst, nil)
	if _, err := New(plan.Sync, nil).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSyncEngine_DryRun(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"new/a.txt": "a", "b.txt": "new"})
	writeTree(t, dst, map[string]string{"b.txt": "old", "extra.txt": "x"})

	plan := newPlan(t, src, dst, func(c *config.Config) { c.Runtime.DryRun = true })
	sink := &recordingSink{}
	if _, err := New(plan.Sync, sink).Run(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got := readTree(t, dst)
	want := map[string]string{"b.txt": "old", "extra.txt": "x"}
	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(got) != len(want) || got["b.txt"] != "old" || got["extra.txt"] != "x" {
		t.Errorf("expected destination unchanged, got %v", keys)
	}
	outcomes := sink.outcomes(t, src, dst)
	if outcomes["extra.txt"] != pathsync.Deleted || outcomes["b.txt"] != pathsync.Replaced || outcomes["new/a.txt"] != pathsync.Created {
		t.Errorf("expected dry-run decisions to be reported, got %v", outcomes)
	}
	if !sink.run.DryRun {
		t.Error("expected the report header to carry the dry-run flag")
	}
}
