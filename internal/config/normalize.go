package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEngines()
	c.normalizeWeight()
	if err := c.normalizeVideoOptimization(); err != nil {
		return err
	}
	c.normalizeVRAM()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.VideoDir, err = expandPath(c.Paths.VideoDir); err != nil {
		return fmt.Errorf("paths.video_dir: %w", err)
	}
	if c.Paths.ImageDir, err = expandPath(c.Paths.ImageDir); err != nil {
		return fmt.Errorf("paths.image_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEngines() {
	c.VideoEngine.Type = strings.ToLower(strings.TrimSpace(c.VideoEngine.Type))
	if c.VideoEngine.Type == "" {
		c.VideoEngine.Type = defaultVideoEngine
	}
	c.VideoEngine.Options = strings.TrimSpace(c.VideoEngine.Options)
	if c.VideoEngine.Options == "" {
		c.VideoEngine.Options = defaultMpvpaperOptions
	}

	c.ImageEngine.Type = strings.ToLower(strings.TrimSpace(c.ImageEngine.Type))
	if c.ImageEngine.Type == "" {
		c.ImageEngine.Type = defaultImageEngine
	}
	c.ImageEngine.Transition = strings.ToLower(strings.TrimSpace(c.ImageEngine.Transition))
	if c.ImageEngine.Transition == "" {
		c.ImageEngine.Transition = defaultTransition
	}
	if c.ImageEngine.TransitionFPS <= 0 {
		c.ImageEngine.TransitionFPS = defaultTransitionFPS
	}
	if c.ImageEngine.TransitionStep <= 0 {
		c.ImageEngine.TransitionStep = defaultTransitionStep
	}
	c.ImageEngine.Fill = strings.ToLower(strings.TrimSpace(c.ImageEngine.Fill))
	if c.ImageEngine.Fill == "" {
		c.ImageEngine.Fill = defaultFill
	}
}

func (c *Config) normalizeWeight() {
	if c.Weight.Tolerance <= 0 {
		c.Weight.Tolerance = defaultTolerance
	}
	if c.Weight.NormalizationTarget <= 0 {
		c.Weight.NormalizationTarget = defaultNormalizationTarget
	}
	if c.Weight.NormalizationThreshold <= 0 {
		c.Weight.NormalizationThreshold = defaultNormalizationThreshold
	}
	if c.Weight.ShufflePeriod < 0 {
		c.Weight.ShufflePeriod = 0
	}
}

func (c *Config) normalizeVideoOptimization() error {
	vo := &c.VideoOptimization
	if strings.TrimSpace(vo.CacheDir) == "" {
		vo.CacheDir = defaultCacheDir()
	}
	var err error
	if vo.CacheDir, err = expandPath(vo.CacheDir); err != nil {
		return fmt.Errorf("video_optimization.cache_dir: %w", err)
	}
	vo.TargetResolution = strings.ToLower(strings.TrimSpace(vo.TargetResolution))
	if vo.TargetResolution == "" {
		vo.TargetResolution = defaultTargetResolution
	}
	vo.Encoder = strings.ToLower(strings.TrimSpace(vo.Encoder))
	switch vo.Encoder {
	case "":
		vo.Encoder = defaultEncoder
	case "nvenc":
		vo.Encoder = "h264_nvenc"
	case "vaapi":
		vo.Encoder = "h264_vaapi"
	}
	vo.Preset = strings.TrimSpace(vo.Preset)
	if vo.Preset == "" {
		vo.Preset = defaultPreset
	}
	if vo.PreloadInterval <= 0 {
		vo.PreloadInterval = defaultPreloadInterval
	}
	if vo.EncodeStartsPerMinute <= 0 {
		vo.EncodeStartsPerMinute = defaultEncodeStartsPerMinute
	}
	return nil
}

func (c *Config) normalizeVRAM() {
	if c.VRAM.CheckInterval <= 0 {
		c.VRAM.CheckInterval = defaultVRAMCheckInterval
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNtfyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
