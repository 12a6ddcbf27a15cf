package display

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"reel/internal/config"
	"reel/internal/logging"
	"reel/internal/scan"
)

const daemonStartupDelay = 500 * time.Millisecond

var transitions = map[string]struct{}{
	"none": {}, "simple": {}, "fade": {}, "left": {}, "right": {}, "top": {}, "bottom": {},
	"wipe": {}, "wave": {}, "grow": {}, "center": {}, "any": {}, "outer": {}, "random": {},
}

// resizeModes maps the configured fill onto swww's --resize values.
var resizeModes = map[string]string{
	"fill":    "crop",
	"crop":    "crop",
	"fit":     "fit",
	"stretch": "stretch",
	"center":  "no",
	"no":      "no",
}

// Swww shows still images through the swww daemon.
type Swww struct {
	runner     Runner
	transition string
	duration   float64
	fps        int
	step       int
	resize     string
	logger     *slog.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

// NewSwww builds the image engine. Unknown transitions fall back to fade.
func NewSwww(cfg config.ImageEngine, runner Runner, logger *slog.Logger) *Swww {
	transition := strings.ToLower(strings.TrimSpace(cfg.Transition))
	if _, ok := transitions[transition]; !ok {
		transition = "fade"
	}
	resize, ok := resizeModes[strings.ToLower(strings.TrimSpace(cfg.Fill))]
	if !ok {
		resize = "crop"
	}
	return &Swww{
		runner:     runner,
		transition: transition,
		duration:   cfg.TransitionDuration,
		fps:        max(cfg.TransitionFPS, 1),
		step:       max(cfg.TransitionStep, 1),
		resize:     resize,
		logger:     componentLogger(logger, "swww"),
		wait:       sleepContext,
	}
}

func (s *Swww) Name() string { return "swww" }

func (s *Swww) Extensions() []string { return scan.ImageExtensions }

func (s *Swww) Available() bool {
	_, err := s.runner.LookPath("swww")
	return err == nil
}

// Show sets path as the wallpaper, starting swww-daemon first if needed.
func (s *Swww) Show(ctx context.Context, path string) error {
	if err := s.ensureDaemon(ctx); err != nil {
		return err
	}
	out, err := s.runner.Run(ctx, "swww", s.Args(path)...)
	if err != nil {
		return toolError("swww", "img", out, err)
	}
	s.logger.Debug("wallpaper set", logging.String(logging.FieldPath, path), logging.String("transition", s.transition))
	return nil
}

// Args returns the swww img argument list for path.
func (s *Swww) Args(path string) []string {
	return []string{
		"img", path,
		"--transition-type", s.transition,
		"--transition-duration", strconv.FormatFloat(s.duration, 'f', -1, 64),
		"--transition-fps", strconv.Itoa(s.fps),
		"--transition-step", strconv.Itoa(s.step),
		"--resize", s.resize,
	}
}

// Stop kills the swww daemon.
func (s *Swww) Stop(ctx context.Context) error {
	out, err := s.runner.Run(ctx, "swww", "kill")
	if err != nil && !noMatch(err) {
		return toolError("swww", "kill", out, err)
	}
	return nil
}

func (s *Swww) ensureDaemon(ctx context.Context) error {
	out, err := s.runner.Run(ctx, "pgrep", "-x", "swww-daemon")
	if err == nil {
		return nil
	}
	if !noMatch(err) {
		return toolError("swww", "pgrep", out, err)
	}
	if err := s.runner.Start("swww-daemon"); err != nil {
		return toolError("swww", "start daemon", nil, err)
	}
	s.logger.Info("started swww-daemon")
	return s.wait(ctx, daemonStartupDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
