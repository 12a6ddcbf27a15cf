package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains media directories and runtime state locations.
type Paths struct {
	VideoDir string `toml:"video_dir"`
	ImageDir string `toml:"image_dir"`
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// VideoEngine configures the streaming-video display adapter.
type VideoEngine struct {
	Type     string `toml:"type"`
	Interval int    `toml:"interval"`
	Options  string `toml:"options"`
}

// ImageEngine configures the static-image display adapter.
type ImageEngine struct {
	Type               string  `toml:"type"`
	Interval           int     `toml:"interval"`
	Transition         string  `toml:"transition"`
	TransitionDuration float64 `toml:"transition_duration"`
	TransitionFPS      int     `toml:"transition_fps"`
	TransitionStep     int     `toml:"transition_step"`
	Fill               string  `toml:"fill"`
}

// Weight holds the rotation algorithm tuning knobs.
type Weight struct {
	Base                   float64 `toml:"base"`
	SelectPenalty          float64 `toml:"select_penalty"`
	Tolerance              float64 `toml:"tolerance"`
	PerturbationRatio      float64 `toml:"perturbation_ratio"`
	NormalizationThreshold float64 `toml:"normalization_threshold"`
	NormalizationTarget    float64 `toml:"normalization_target"`
	ShufflePeriod          int     `toml:"shuffle_period"`
	ShuffleIntensity       float64 `toml:"shuffle_intensity"`
}

// VideoOptimization configures the rendition cache and preload pipeline.
type VideoOptimization struct {
	Enabled               bool   `toml:"enabled"`
	CacheDir              string `toml:"cache_dir"`
	MaxCacheSizeMB        int64  `toml:"max_cache_size_mb"`
	TargetResolution      string `toml:"target_resolution"`
	TargetFPS             int    `toml:"target_fps"`
	PreloadCount          int    `toml:"preload_count"`
	PreloadInterval       int    `toml:"preload_interval"`
	EncodeStartsPerMinute int    `toml:"encode_starts_per_minute"`
	Encoder               string `toml:"encoder"`
	CRF                   int    `toml:"crf"`
	Preset                string `toml:"preset"`
}

// VRAM configures the video-memory guard that falls back to image mode.
type VRAM struct {
	Enabled             bool    `toml:"enabled"`
	LowFreePercent      float64 `toml:"low_free_percent"`
	RecoveryFreePercent float64 `toml:"recovery_free_percent"`
	CheckInterval       int     `toml:"check_interval"`
}

// Hotplug toggles display re-probing on udev DRM events.
type Hotplug struct {
	Enabled bool `toml:"enabled"`
}

// Notifications configures ntfy alerts for daemon events.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for reel.
//
// Configuration sections by subsystem:
//   - Paths: media directories, state and log locations
//   - VideoEngine / ImageEngine: display adapters and switch intervals
//   - Weight: rotation algorithm tuning
//   - VideoOptimization: rendition cache, encoder and preload settings
//   - VRAM: video-memory guard
//   - Hotplug: display hotplug monitoring
//   - Notifications: ntfy alerts
//   - Logging: log format, level, and retention
type Config struct {
	Paths             Paths             `toml:"paths"`
	VideoEngine       VideoEngine       `toml:"video_engine"`
	ImageEngine       ImageEngine       `toml:"image_engine"`
	Weight            Weight            `toml:"weight"`
	VideoOptimization VideoOptimization `toml:"video_optimization"`
	VRAM              VRAM              `toml:"vram"`
	Hotplug           Hotplug           `toml:"hotplug"`
	Notifications     Notifications     `toml:"notifications"`
	Logging           Logging           `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reel.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Media directories are only created on a best-effort basis so the daemon can
// run while removable storage is offline.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, dir := range []string{c.Paths.VideoDir, c.Paths.ImageDir} {
		if strings.TrimSpace(dir) != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	if c.VideoOptimization.Enabled && strings.TrimSpace(c.VideoOptimization.CacheDir) != "" {
		if err := os.MkdirAll(c.VideoOptimization.CacheDir, 0o755); err != nil {
			return fmt.Errorf("create rendition cache directory %q: %w", c.VideoOptimization.CacheDir, err)
		}
	}
	return nil
}

// WeightSnapshotPath returns the weight snapshot location for a mode name
// ("video" or "image").
func (c *Config) WeightSnapshotPath(mode string) string {
	return filepath.Join(c.Paths.StateDir, mode+".json")
}

// ModeStatePath returns the file that records the last active mode.
func (c *Config) ModeStatePath() string {
	return filepath.Join(c.Paths.StateDir, "current_mode")
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "reel.sock")
}

// LockPath returns the daemon single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "reeld.lock")
}

// PIDPath returns where the running daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "reel.pid")
}

// RenditionIndexPath returns the sqlite index location for the rendition cache.
func (c *Config) RenditionIndexPath() string {
	return filepath.Join(c.VideoOptimization.CacheDir, "index.db")
}

// CacheBudgetBytes converts the configured cache ceiling to bytes.
func (c *Config) CacheBudgetBytes() int64 {
	return c.VideoOptimization.MaxCacheSizeMB * 1024 * 1024
}

// FFmpegBinary returns the ffmpeg executable name used for encoding.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "reel", "transcoded")
	}
	return "~/.cache/reel/transcoded"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
