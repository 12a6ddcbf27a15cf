// Package display drives the wallpaper programs that put media on screen:
// mpvpaper for videos and swww for still images.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"reel/internal/config"
	"reel/internal/logging"
	"reel/internal/services"
)

// Engine shows media files as the desktop wallpaper.
type Engine interface {
	Name() string
	Show(ctx context.Context, path string) error
	Stop(ctx context.Context) error
	Available() bool
	Extensions() []string
}

// Runner executes wallpaper helper commands.
type Runner interface {
	// Run executes name and waits for it to exit.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches name detached from the caller's session.
	Start(name string, args ...string) error
	LookPath(name string) (string, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

// Run executes name and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// Start spawns name in a new session with stdio detached, reaping it in the background.
func (ExecRunner) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull
	if err := cmd.Start(); err != nil {
		_ = devNull.Close()
		return err
	}
	go func() {
		_ = cmd.Wait()
		_ = devNull.Close()
	}()
	return nil
}

// LookPath resolves name on PATH.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// New returns the engines configured for video and image mode.
func New(cfg *config.Config, runner Runner, logger *slog.Logger) (video Engine, image Engine) {
	if runner == nil {
		runner = ExecRunner{}
	}
	return NewMpvpaper(cfg.VideoEngine, runner, logger), NewSwww(cfg.ImageEngine, runner, logger)
}

// exitCode extracts a process exit status from err, or -1.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// noMatch reports whether a pgrep/pkill error only means no process matched.
func noMatch(err error) bool {
	return err != nil && exitCode(err) == 1
}

func toolError(engine, op string, output []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return services.Wrap(services.ErrConfiguration, engine, op, "binary not found on PATH", err)
	}
	return services.Wrap(services.ErrExternalTool, engine, op, strings.TrimSpace(string(output)), err)
}

func componentLogger(logger *slog.Logger, name string) *slog.Logger {
	return logging.NewComponentLogger(logger, fmt.Sprintf("display.%s", name))
}
