package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"reel/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Media, state, log, and cache directories all live under one temp root.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.VideoDir = filepath.Join(base, "videos")
	cfgVal.Paths.ImageDir = filepath.Join(base, "images")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "state", "logs")
	cfgVal.VideoOptimization.CacheDir = filepath.Join(base, "cache")
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	for _, dir := range []string{cfgVal.Paths.VideoDir, cfgVal.Paths.ImageDir, cfgVal.Paths.StateDir, cfgVal.VideoOptimization.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return builder.cfg
}

// WithCacheBudgetMB sets the rendition cache ceiling.
func WithCacheBudgetMB(mb int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.VideoOptimization.MaxCacheSizeMB = mb
	}
}

// WithPreloadCount sets the number of preload workers and candidates.
func WithPreloadCount(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.VideoOptimization.PreloadCount = n
	}
}

// WithStubbedBinaries writes stub executables that exit 0 for the provided
// names and prepends them to PATH. If names is empty, the external tools reel
// drives are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe", "mpvpaper", "swww", "swww-daemon", "pkill", "pgrep", "hyprctl"}
		}
		for _, name := range names {
			StubBinary(b.t, b.baseDir, name, "exit 0\n")
		}
	}
}

// StubBinary writes a /bin/sh script named name into dir/bin, prepends that
// directory to PATH for the rest of the test, and returns the script path.
func StubBinary(t testing.TB, dir, name, body string) string {
	t.Helper()
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	oldPath := os.Getenv("PATH")
	if filepath.SplitList(oldPath)[0] != binDir {
		t.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath)
	}
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

// WriteConfigFile marshals cfg to config.toml under the test root and returns
// its path.
func WriteConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
