package display

import (
	"context"
	"log/slog"
	"strings"

	"reel/internal/config"
	"reel/internal/logging"
	"reel/internal/scan"
)

// Mpvpaper plays videos on every output through mpvpaper.
type Mpvpaper struct {
	runner  Runner
	options string
	output  string
	logger  *slog.Logger
}

// NewMpvpaper builds the video engine.
func NewMpvpaper(cfg config.VideoEngine, runner Runner, logger *slog.Logger) *Mpvpaper {
	options := strings.TrimSpace(cfg.Options)
	if options == "" {
		options = "--loop --no-audio --hwdec=auto"
	}
	return &Mpvpaper{runner: runner, options: options, output: "*", logger: componentLogger(logger, "mpvpaper")}
}

func (m *Mpvpaper) Name() string { return "mpvpaper" }

func (m *Mpvpaper) Extensions() []string { return scan.VideoExtensions }

func (m *Mpvpaper) Available() bool {
	_, err := m.runner.LookPath("mpvpaper")
	return err == nil
}

// Show replaces any running mpvpaper with one playing path.
func (m *Mpvpaper) Show(ctx context.Context, path string) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	args := []string{"-o", m.options, m.output, path}
	if err := m.runner.Start("mpvpaper", args...); err != nil {
		return toolError("mpvpaper", "start", nil, err)
	}
	m.logger.Debug("mpvpaper started", logging.String(logging.FieldPath, path))
	return nil
}

// Stop terminates every mpvpaper instance. No running instance is not an error.
func (m *Mpvpaper) Stop(ctx context.Context) error {
	out, err := m.runner.Run(ctx, "pkill", "-x", "mpvpaper")
	if err == nil || noMatch(err) {
		return nil
	}
	return toolError("mpvpaper", "pkill", out, err)
}
