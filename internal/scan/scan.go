// Package scan lists media files for a rotation pool.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reel/internal/rotation"
)

// VideoExtensions are the container formats mpvpaper plays.
var VideoExtensions = []string{".mp4", ".mkv", ".webm", ".avi", ".mov", ".flv", ".wmv", ".m4v"}

// ImageExtensions are the formats swww displays.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".pnm", ".tga", ".tiff", ".tif", ".webp", ".bmp", ".ff"}

// ErrDirMissing is returned when the media directory does not exist.
var ErrDirMissing = errors.New("scan: media directory missing")

// Dir walks root recursively and returns every regular file whose extension
// is in exts (case-insensitive), sorted by path. Symlinked files and
// directories are followed; hidden entries are skipped and directory cycles
// are visited once.
func Dir(ctx context.Context, root string, exts []string) ([]rotation.FileInfo, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrDirMissing
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirMissing, root)
		}
		return nil, fmt.Errorf("scan: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan: %s is not a directory", root)
	}

	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	w := &walker{allowed: allowed}
	if err := w.walk(ctx, root, info); err != nil {
		return nil, err
	}
	sort.Slice(w.files, func(i, j int) bool { return w.files[i].Path < w.files[j].Path })
	return w.files, nil
}

type walker struct {
	allowed map[string]struct{}
	visited []os.FileInfo
	files   []rotation.FileInfo
}

func (w *walker) walk(ctx context.Context, dir string, info os.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, seen := range w.visited {
		if os.SameFile(seen, info) {
			return nil
		}
	}
	w.visited = append(w.visited, info)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		// Stat follows symlinks; broken links are skipped.
		target, err := os.Stat(path)
		if err != nil {
			continue
		}
		if target.IsDir() {
			if err := w.walk(ctx, path, target); err != nil {
				return err
			}
			continue
		}
		if !target.Mode().IsRegular() {
			continue
		}
		if _, ok := w.allowed[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		w.files = append(w.files, rotation.FileInfo{Path: path, ModTime: target.ModTime()})
	}
	return nil
}
