package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEngines(); err != nil {
		return err
	}
	if err := c.validateWeight(); err != nil {
		return err
	}
	if err := c.validateVideoOptimization(); err != nil {
		return err
	}
	if err := c.validateVRAM(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.VideoDir == "" && c.Paths.ImageDir == "" {
		return errors.New("paths.video_dir or paths.image_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateEngines() error {
	if c.VideoEngine.Type != "mpvpaper" {
		return fmt.Errorf("video_engine.type %q is not supported (mpvpaper)", c.VideoEngine.Type)
	}
	if c.ImageEngine.Type != "swww" {
		return fmt.Errorf("image_engine.type %q is not supported (swww)", c.ImageEngine.Type)
	}
	if err := ensurePositiveMap(map[string]int{
		"video_engine.interval": c.VideoEngine.Interval,
		"image_engine.interval": c.ImageEngine.Interval,
	}); err != nil {
		return err
	}
	if c.ImageEngine.TransitionDuration < 0 {
		return errors.New("image_engine.transition_duration must be >= 0")
	}
	return nil
}

func (c *Config) validateWeight() error {
	w := c.Weight
	if w.Base <= 0 {
		return errors.New("weight.base must be positive")
	}
	if w.SelectPenalty < 0 {
		return errors.New("weight.select_penalty must be >= 0")
	}
	if w.PerturbationRatio < 0 || w.PerturbationRatio >= 1 {
		return errors.New("weight.perturbation_ratio must be between 0 and 1")
	}
	if w.NormalizationTarget >= w.NormalizationThreshold {
		return errors.New("weight.normalization_target must be less than weight.normalization_threshold")
	}
	if w.ShuffleIntensity < 0 || w.ShuffleIntensity > 1 {
		return errors.New("weight.shuffle_intensity must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateVideoOptimization() error {
	vo := c.VideoOptimization
	if !vo.Enabled {
		return nil
	}
	if vo.MaxCacheSizeMB <= 0 {
		return errors.New("video_optimization.max_cache_size_mb must be positive")
	}
	if err := ensurePositiveMap(map[string]int{
		"video_optimization.target_fps":               vo.TargetFPS,
		"video_optimization.preload_interval":         vo.PreloadInterval,
		"video_optimization.encode_starts_per_minute": vo.EncodeStartsPerMinute,
	}); err != nil {
		return err
	}
	if vo.PreloadCount < 0 {
		return errors.New("video_optimization.preload_count must be >= 0")
	}
	if vo.CRF < 0 || vo.CRF > 51 {
		return errors.New("video_optimization.crf must be between 0 and 51")
	}
	switch vo.Encoder {
	case "auto", "h264_nvenc", "h264_vaapi", "libx264":
	default:
		return fmt.Errorf("video_optimization.encoder %q must be one of auto, nvenc, vaapi, libx264", vo.Encoder)
	}
	if _, _, _, err := ParseResolution(vo.TargetResolution); err != nil {
		return fmt.Errorf("video_optimization.target_resolution: %w", err)
	}
	return nil
}

func (c *Config) validateVRAM() error {
	if !c.VRAM.Enabled {
		return nil
	}
	low, recovery := c.VRAM.LowFreePercent, c.VRAM.RecoveryFreePercent
	if low <= 0 || low >= 100 {
		return errors.New("vram.low_free_percent must be between 0 and 100")
	}
	if recovery <= low || recovery > 100 {
		return errors.New("vram.recovery_free_percent must be greater than vram.low_free_percent and at most 100")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic %q must be a full http(s) URL", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// ParseResolution interprets a target_resolution value. "auto" reports
// auto=true; a bare width such as "2560" yields a 16:9 height rounded to an
// even number; "WxH" is taken literally.
func ParseResolution(value string) (width, height int, auto bool, err error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == "auto" {
		return 0, 0, true, nil
	}
	if w, h, ok := strings.Cut(value, "x"); ok {
		width, err = strconv.Atoi(strings.TrimSpace(w))
		if err != nil || width <= 0 {
			return 0, 0, false, fmt.Errorf("invalid width in %q", value)
		}
		height, err = strconv.Atoi(strings.TrimSpace(h))
		if err != nil || height <= 0 {
			return 0, 0, false, fmt.Errorf("invalid height in %q", value)
		}
		return width, height, false, nil
	}
	width, err = strconv.Atoi(value)
	if err != nil || width <= 0 {
		return 0, 0, false, fmt.Errorf("expected auto, WIDTH, or WIDTHxHEIGHT, got %q", value)
	}
	height = width * 9 / 16
	height -= height % 2
	return width, height, false, nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
