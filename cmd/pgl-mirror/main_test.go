package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestRun(t *testing.T) {
	t.Run("Version", func(t *testing.T) {
		if err := run(context.Background(), []string{"version"}); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("Help", func(t *testing.T) {
		if err := run(context.Background(), []string{"help"}); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if err := run(context.Background(), []string{"sync", "-h"}); !errors.Is(err, flag.ErrHelp) {
			t.Errorf("expected flag.ErrHelp, got %v", err)
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		if err := run(context.Background(), []string{"restore"}); err == nil {
			t.Error("expected error for unknown command, got nil")
		}
	})

	t.Run("Init Then Sync", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644); err != nil {
			t.Fatal(err)
		}
		configPath := filepath.Join(t.TempDir(), "mirror.json")

		if err := run(context.Background(), []string{"init", "-config", configPath, "-source", src, "-destination", dst}); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		// Legacy form: the config file is the only argument.
		if err := run(context.Background(), []string{configPath}); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
		if data, err := os.ReadFile(filepath.Join(dst, "a.txt")); err != nil || string(data) != "a" {
			t.Errorf("expected a.txt to be mirrored, got %q (%v)", data, err)
		}
	})
}
