package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"reel/internal/config"
	"reel/internal/logging"
)

// ErrProbeFailed marks a probe command that could not produce usable output.
var ErrProbeFailed = errors.New("hardware: probe failed")

const (
	EncoderNVENC = "h264_nvenc"
	EncoderVAAPI = "h264_vaapi"
	EncoderX264  = "libx264"
	EncoderNone  = "none"

	defaultWidth  = 1920
	defaultHeight = 1080
)

// Profile is the encode target for this machine.
type Profile struct {
	Encoder       string    `json:"encoder"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FPS           int       `json:"fps"`
	DisplayWidth  int       `json:"display_width"`
	DisplayHeight int       `json:"display_height"`
	VRAM          *VRAMInfo `json:"vram,omitempty"`
}

// CanEncode reports whether any usable encoder was found.
func (p Profile) CanEncode() bool {
	return p.Encoder != "" && p.Encoder != EncoderNone
}

// Executor abstracts command execution for probes.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
	LookPath(binary string) (string, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	return cmd.Output()
}

func (commandExecutor) LookPath(binary string) (string, error) {
	return exec.LookPath(binary)
}

// Detector caches a Profile built from the [video_optimization] settings and
// the local probes.
type Detector struct {
	cfg    config.VideoOptimization
	ffmpeg string
	exec   Executor
	logger *slog.Logger

	mu      sync.Mutex
	profile *Profile
}

// NewDetector constructs a Detector that shells out to the real tools.
func NewDetector(cfg *config.Config, logger *slog.Logger) *Detector {
	return newDetector(cfg, commandExecutor{}, logger)
}

func newDetector(cfg *config.Config, executor Executor, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg.VideoOptimization,
		ffmpeg: cfg.FFmpegBinary(),
		exec:   executor,
		logger: logging.NewComponentLogger(logger, "hardware"),
	}
}

// NewDetectorWithExecutor is used by tests in other packages to inject canned probe output.
func NewDetectorWithExecutor(cfg *config.Config, executor Executor, logger *slog.Logger) *Detector {
	return newDetector(cfg, executor, logger)
}

// Probe returns the cached profile, probing on first use.
func (d *Detector) Probe(ctx context.Context) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.profile != nil {
		return *d.profile, nil
	}
	profile, err := d.probeLocked(ctx)
	if err != nil {
		return Profile{}, err
	}
	d.profile = &profile
	return profile, nil
}

// Refresh discards the cached profile and probes again.
func (d *Detector) Refresh(ctx context.Context) (Profile, error) {
	d.mu.Lock()
	d.profile = nil
	d.mu.Unlock()
	return d.Probe(ctx)
}

func (d *Detector) probeLocked(ctx context.Context) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	profile := Profile{FPS: d.cfg.TargetFPS}
	profile.Encoder = d.resolveEncoder(ctx)

	profile.DisplayWidth, profile.DisplayHeight = d.detectDisplay(ctx)
	width, height, auto, err := config.ParseResolution(d.cfg.TargetResolution)
	if err != nil {
		return Profile{}, fmt.Errorf("hardware: target resolution: %w", err)
	}
	if auto {
		width, height = profile.DisplayWidth, profile.DisplayHeight
	}
	profile.Width, profile.Height = width, height

	if info, err := d.VRAM(ctx); err == nil {
		profile.VRAM = &info
	}

	d.logger.Info("hardware profile detected",
		logging.String("encoder", profile.Encoder),
		logging.String("target", fmt.Sprintf("%dx%d@%d", profile.Width, profile.Height, profile.FPS)),
		logging.String("display", fmt.Sprintf("%dx%d", profile.DisplayWidth, profile.DisplayHeight)),
	)
	return profile, nil
}

func (d *Detector) resolveEncoder(ctx context.Context) string {
	output, err := d.exec.Run(ctx, d.ffmpeg, []string{"-hide_banner", "-encoders"})
	if err != nil {
		logging.WarnWithContext(d.logger, "ffmpeg encoder probe failed; encoding disabled", "encoder_probe_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "install ffmpeg or check PATH"),
			logging.String(logging.FieldImpact, "videos play at source resolution"),
		)
		return EncoderNone
	}
	available := ParseEncoders(string(output))
	if want := d.cfg.Encoder; want != "" && want != "auto" {
		for _, enc := range available {
			if enc == want {
				return want
			}
		}
		logging.WarnWithContext(d.logger, "configured encoder unavailable; using detected encoder", "encoder_unavailable",
			logging.String("configured", want),
			logging.String(logging.FieldErrorHint, "set video_optimization.encoder = \"auto\""),
		)
	}
	if len(available) == 0 {
		return EncoderNone
	}
	return available[0]
}

func (d *Detector) detectDisplay(ctx context.Context) (int, int) {
	output, err := d.exec.Run(ctx, "hyprctl", []string{"monitors", "-j"})
	if err != nil {
		d.logger.Debug("hyprctl unavailable; assuming 1920x1080", logging.Error(err))
		return defaultWidth, defaultHeight
	}
	w, h, err := ParseMonitors(output)
	if err != nil {
		logging.WarnWithContext(d.logger, "monitor list unreadable; assuming 1920x1080", "monitor_probe_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "renditions may not match the display"),
		)
		return defaultWidth, defaultHeight
	}
	return w, h
}

// VRAM reads current video memory usage from nvidia-smi, or rocm-smi when no
// NVIDIA tool is installed.
func (d *Detector) VRAM(ctx context.Context) (VRAMInfo, error) {
	if _, err := d.exec.LookPath("nvidia-smi"); err == nil {
		out, err := d.exec.Run(ctx, "nvidia-smi", []string{"--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits"})
		if err != nil {
			return VRAMInfo{}, fmt.Errorf("%w: nvidia-smi: %v", ErrProbeFailed, err)
		}
		return ParseNvidiaSMI(string(out))
	}
	if _, err := d.exec.LookPath("rocm-smi"); err == nil {
		out, err := d.exec.Run(ctx, "rocm-smi", []string{"--showmeminfo", "vram"})
		if err != nil {
			return VRAMInfo{}, fmt.Errorf("%w: rocm-smi: %v", ErrProbeFailed, err)
		}
		return ParseROCmSMI(string(out))
	}
	return VRAMInfo{}, fmt.Errorf("%w: no supported GPU query tool", ErrProbeFailed)
}

// ParseEncoders lists the H.264 encoders in `ffmpeg -encoders` output in
// preference order: NVENC, VA-API, then libx264.
func ParseEncoders(output string) []string {
	present := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		present[fields[1]] = true
	}
	var out []string
	for _, name := range []string{EncoderNVENC, EncoderVAAPI, EncoderX264} {
		if present[name] {
			out = append(out, name)
		}
	}
	return out
}
