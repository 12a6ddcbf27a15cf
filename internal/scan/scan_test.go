package scan_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reel/internal/scan"
	"reel/internal/testsupport"
)

func TestDirFiltersAndFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	mod := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	testsupport.WriteMedia(t, filepath.Join(root, "b.MP4"), mod)
	testsupport.WriteMedia(t, filepath.Join(root, "a.mkv"), mod)
	testsupport.WriteMedia(t, filepath.Join(root, "notes.txt"), mod)
	testsupport.WriteMedia(t, filepath.Join(root, ".hidden.mp4"), mod)
	testsupport.WriteMedia(t, filepath.Join(root, "nested", "c.webm"), mod)
	testsupport.WriteMedia(t, filepath.Join(outside, "linked", "d.mov"), mod)

	if err := os.Symlink(filepath.Join(outside, "linked"), filepath.Join(root, "linked")); err != nil {
		t.Fatalf("symlink dir: %v", err)
	}
	if err := os.Symlink(root, filepath.Join(root, "nested", "loop")); err != nil {
		t.Fatalf("symlink loop: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "missing.mp4"), filepath.Join(root, "broken.mp4")); err != nil {
		t.Fatalf("symlink broken: %v", err)
	}

	files, err := scan.Dir(context.Background(), root, scan.VideoExtensions)
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.mkv"),
		filepath.Join(root, "b.MP4"),
		filepath.Join(root, "linked", "d.mov"),
		filepath.Join(root, "nested", "c.webm"),
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %+v", len(want), files)
	}
	for i, f := range files {
		if f.Path != want[i] {
			t.Fatalf("file %d: got %q want %q", i, f.Path, want[i])
		}
		if !f.ModTime.Equal(mod) {
			t.Fatalf("unexpected mod time for %s: %v", f.Path, f.ModTime)
		}
	}
}

func TestDirMissing(t *testing.T) {
	_, err := scan.Dir(context.Background(), filepath.Join(t.TempDir(), "absent"), scan.ImageExtensions)
	if !errors.Is(err, scan.ErrDirMissing) {
		t.Fatalf("expected ErrDirMissing, got %v", err)
	}
}

func TestDirHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scan.Dir(ctx, t.TempDir(), scan.ImageExtensions); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
