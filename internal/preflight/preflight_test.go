package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"reel/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDirectoryReadable_Empty(t *testing.T) {
	result := CheckDirectoryReadable("media", "")
	if result.Passed || result.Detail != "not configured" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestCheckWaylandSession(t *testing.T) {
	t.Setenv("WAYLAND_DISPLAY", "")
	if CheckWaylandSession().Passed {
		t.Fatal("expected failure without WAYLAND_DISPLAY")
	}
	t.Setenv("WAYLAND_DISPLAY", "wayland-1")
	if result := CheckWaylandSession(); !result.Passed || result.Detail != "wayland-1" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	t.Setenv("WAYLAND_DISPLAY", "wayland-1")
	cfg := config.Default()
	cfg.Paths.VideoDir = t.TempDir()
	cfg.Paths.ImageDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.VideoOptimization.Enabled = true
	cfg.VideoOptimization.CacheDir = t.TempDir()

	results := RunAll(context.Background(), &cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %#v", failed)
	}
}

func TestRunAll_SkipsCacheWhenOptimizationDisabled(t *testing.T) {
	t.Setenv("WAYLAND_DISPLAY", "")
	cfg := config.Default()
	cfg.Paths.VideoDir = t.TempDir()
	cfg.Paths.ImageDir = filepath.Join(t.TempDir(), "missing")
	cfg.Paths.StateDir = t.TempDir()
	cfg.VideoOptimization.Enabled = false

	results := RunAll(context.Background(), &cfg)
	for _, r := range results {
		if r.Name == "Cache directory" {
			t.Fatal("cache directory should not be checked when optimization is disabled")
		}
	}
	failed := Failed(results)
	if len(failed) != 2 {
		t.Fatalf("expected image dir and wayland failures, got %#v", failed)
	}
}
