// Package transcode runs ffmpeg to produce display-sized renditions.
//
// Output is written to "<dst>.part" and renamed into place only after ffmpeg
// exits cleanly, so a reader never observes a partial file. Cancelling the
// context sends SIGINT so ffmpeg can stop gracefully; if it has not exited
// after WaitDelay the process is killed. The partial output is always removed.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"reel/internal/logging"
	"reel/internal/services"
)

// ErrNoEncoder is returned when no usable H.264 encoder is configured.
var ErrNoEncoder = errors.New("transcode: no encoder available")

// PartSuffix marks in-progress output files.
const PartSuffix = ".part"

const (
	defaultWaitDelay   = 10 * time.Second
	defaultVAAPIDevice = "/dev/dri/renderD128"
	stderrLimit        = 4096
)

// Params describes one encode.
type Params struct {
	Width   int
	Height  int
	FPS     int
	Encoder string
	CRF     int
	Preset  string
}

// Encoder invokes ffmpeg.
type Encoder struct {
	binary      string
	logger      *slog.Logger
	waitDelay   time.Duration
	vaapiDevice string
}

// New returns an Encoder using binary (default "ffmpeg").
func New(binary string, logger *slog.Logger) *Encoder {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Encoder{
		binary:      binary,
		logger:      logging.NewComponentLogger(logger, "transcode"),
		waitDelay:   defaultWaitDelay,
		vaapiDevice: defaultVAAPIDevice,
	}
}

// SetWaitDelay bounds how long a cancelled ffmpeg may take to exit after SIGINT.
func (e *Encoder) SetWaitDelay(d time.Duration) {
	if d > 0 {
		e.waitDelay = d
	}
}

// Encode transcodes src into dst. dst only exists if the call returns nil.
func (e *Encoder) Encode(ctx context.Context, src, dst string, p Params) error {
	if p.Encoder == "" || p.Encoder == "none" {
		return ErrNoEncoder
	}
	if _, err := os.Stat(src); err != nil {
		return services.Wrap(services.ErrNotFound, "transcode", "stat source", src, err)
	}
	part := dst + PartSuffix
	args := e.BuildArgs(src, part, p)

	cmd := exec.CommandContext(ctx, e.binary, args...) //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: stderrLimit}

	started := time.Now()
	e.logger.Debug("ffmpeg started", logging.String(logging.FieldPath, src), logging.Any("args", args))
	runErr := cmd.Run()
	if runErr != nil {
		_ = os.Remove(part)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("transcode: cancelled: %w", ctxErr)
		}
		return services.Wrap(services.ErrExternalTool, "transcode", "ffmpeg", strings.TrimSpace(stderr.String()), runErr)
	}

	info, err := os.Stat(part)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(part)
		return services.Wrap(services.ErrExternalTool, "transcode", "verify output", "ffmpeg produced no output", err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return services.Wrap(services.ErrTransient, "transcode", "commit", dst, err)
	}
	e.logger.Info("rendition encoded",
		logging.String(logging.FieldPath, src),
		logging.String("output", dst),
		logging.Int64("size_bytes", info.Size()),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// BuildArgs returns the ffmpeg argument list for one encode. The filter keeps
// the source aspect ratio inside the target box and rounds to even dimensions.
func (e *Encoder) BuildArgs(src, out string, p Params) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if p.Encoder == "h264_vaapi" {
		args = append(args, "-vaapi_device", e.vaapiDevice)
	}
	args = append(args, "-i", src)

	filters := []string{}
	if p.Width > 0 && p.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:force_divisible_by=2:flags=lanczos", p.Width, p.Height))
	}
	if p.FPS > 0 {
		filters = append(filters, "fps="+strconv.Itoa(p.FPS))
	}
	if p.Encoder == "h264_vaapi" {
		filters = append(filters, "format=nv12", "hwupload")
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	args = append(args, "-c:v", p.Encoder)
	args = append(args, qualityArgs(p)...)
	args = append(args, "-an", "-movflags", "+faststart", "-f", "mp4", "-y", out)
	return args
}

// qualityArgs maps the CRF/preset pair onto each encoder's own rate-control flags.
func qualityArgs(p Params) []string {
	crf := strconv.Itoa(p.CRF)
	preset := p.Preset
	if preset == "" {
		preset = "fast"
	}
	switch p.Encoder {
	case "h264_nvenc":
		return []string{"-rc", "vbr", "-cq", crf, "-preset", preset}
	case "h264_vaapi":
		return []string{"-qp", crf}
	default:
		return []string{"-crf", crf, "-preset", preset}
	}
}

// limitedWriter keeps the first limit bytes of ffmpeg stderr.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
