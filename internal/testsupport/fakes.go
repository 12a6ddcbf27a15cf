package testsupport

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"reel/internal/media/ffprobe"
	"reel/internal/transcode"
)

// X264Encoders is `ffmpeg -encoders` output listing only libx264.
const X264Encoders = " V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)\n"

// CommandRecorder stands in for the display runner. Commands are recorded as
// "name arg1 arg2"; Run returns the configured error for the binary name.
type CommandRecorder struct {
	mu      sync.Mutex
	calls   []string
	started []string
	errs    map[string]error
}

// NewCommandRecorder returns an empty recorder.
func NewCommandRecorder() *CommandRecorder {
	return &CommandRecorder{errs: map[string]error{}}
}

// FailWith makes Run fail for name.
func (r *CommandRecorder) FailWith(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[name] = err
}

// Run records the call.
func (r *CommandRecorder) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return nil, r.errs[name]
}

// Start records a detached launch.
func (r *CommandRecorder) Start(name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, line)
	r.started = append(r.started, line)
	return nil
}

// LookPath reports every binary as installed.
func (r *CommandRecorder) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

// Calls returns every recorded command in order.
func (r *CommandRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Started returns the detached launches in order.
func (r *CommandRecorder) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// ProbeExecutor stands in for the hardware probe executor.
type ProbeExecutor struct {
	// Encoders is returned for `ffmpeg -encoders`; empty fails the probe.
	Encoders string
	// Monitors is returned for `hyprctl monitors -j`; nil fails the probe.
	Monitors []byte
}

// Run answers the known probe commands.
func (p *ProbeExecutor) Run(_ context.Context, binary string, args []string) ([]byte, error) {
	switch {
	case strings.Contains(binary, "ffmpeg") && p.Encoders != "":
		return []byte(p.Encoders), nil
	case binary == "hyprctl" && p.Monitors != nil:
		return p.Monitors, nil
	}
	return nil, &exec.Error{Name: binary, Err: exec.ErrNotFound}
}

// LookPath reports GPU query tools as missing.
func (p *ProbeExecutor) LookPath(binary string) (string, error) {
	return "", &exec.Error{Name: binary, Err: exec.ErrNotFound}
}

// StaticProber reports the same geometry for every source.
type StaticProber struct {
	Geom ffprobe.Geometry
}

// Geometry returns the configured geometry.
func (s StaticProber) Geometry(context.Context, string) (ffprobe.Geometry, error) {
	return s.Geom, nil
}

// FileEncoder writes Size bytes to dst after Delay, honoring cancellation.
type FileEncoder struct {
	Size  int64
	Delay time.Duration

	mu    sync.Mutex
	calls []string
}

// Encode writes the fake rendition.
func (e *FileEncoder) Encode(ctx context.Context, src, dst string, _ transcode.Params) error {
	e.mu.Lock()
	e.calls = append(e.calls, src)
	e.mu.Unlock()
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.Size <= 0 {
		return errors.New("fake encoder: no size configured")
	}
	return os.WriteFile(dst, make([]byte, e.Size), 0o644)
}

// Sources returns the encoded sources in call order.
func (e *FileEncoder) Sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}
