package hardware_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"reel/internal/config"
	"reel/internal/hardware"
	"reel/internal/logging"
)

const encodersOutput = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

type fakeExecutor struct {
	outputs map[string]string
	errs    map[string]error
	paths   map[string]bool
	calls   map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{outputs: map[string]string{}, errs: map[string]error{}, paths: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeExecutor) Run(_ context.Context, binary string, _ []string) ([]byte, error) {
	f.calls[binary]++
	if err := f.errs[binary]; err != nil {
		return nil, err
	}
	out, ok := f.outputs[binary]
	if !ok {
		return nil, errors.New("executable not found")
	}
	return []byte(out), nil
}

func (f *fakeExecutor) LookPath(binary string) (string, error) {
	if f.paths[binary] {
		return "/usr/bin/" + binary, nil
	}
	return "", errors.New("not found")
}

func TestParseEncodersPreferenceOrder(t *testing.T) {
	got := hardware.ParseEncoders(encodersOutput)
	if strings.Join(got, ",") != "h264_vaapi,libx264" {
		t.Fatalf("unexpected encoders: %v", got)
	}
	withNV := encodersOutput + " V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)\n"
	if got := hardware.ParseEncoders(withNV); got[0] != hardware.EncoderNVENC {
		t.Fatalf("expected nvenc first, got %v", got)
	}
	if got := hardware.ParseEncoders("Encoders:\n"); len(got) != 0 {
		t.Fatalf("expected no encoders, got %v", got)
	}
}

func TestParseMonitorsPicksSmallest(t *testing.T) {
	data := []byte(`[{"name":"DP-1","width":3840,"height":2160},{"name":"HDMI-A-1","width":2560,"height":1440}]`)
	w, h, err := hardware.ParseMonitors(data)
	if err != nil {
		t.Fatalf("ParseMonitors: %v", err)
	}
	if w != 2560 || h != 1440 {
		t.Fatalf("got %dx%d want 2560x1440", w, h)
	}
	if _, _, err := hardware.ParseMonitors([]byte(`[]`)); !errors.Is(err, hardware.ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed for empty list, got %v", err)
	}
}

func TestParseVRAMReadings(t *testing.T) {
	nv, err := hardware.ParseNvidiaSMI("2048, 8192\n")
	if err != nil {
		t.Fatalf("ParseNvidiaSMI: %v", err)
	}
	if nv.UsedMB != 2048 || nv.TotalMB != 8192 || math.Abs(nv.FreePercent()-75) > 1e-9 {
		t.Fatalf("unexpected nvidia reading: %+v free=%v", nv, nv.FreePercent())
	}
	if _, err := hardware.ParseNvidiaSMI("garbage"); err == nil {
		t.Fatal("expected parse error")
	}

	rocm := `
============================ ROCm System Management Interface ============================
GPU[0]		: VRAM Total Memory (B): 17163091968
GPU[0]		: VRAM Total Used Memory (B): 1716309196
==========================================================================================
`
	amd, err := hardware.ParseROCmSMI(rocm)
	if err != nil {
		t.Fatalf("ParseROCmSMI: %v", err)
	}
	if amd.TotalMB != 16368 || amd.UsedMB != 1636 {
		t.Fatalf("unexpected rocm reading: %+v", amd)
	}
}

func TestDetectorProbeAutoResolutionAndCache(t *testing.T) {
	cfg := config.Default()
	exec := newFakeExecutor()
	exec.outputs["ffmpeg"] = encodersOutput
	exec.outputs["hyprctl"] = `[{"width":2560,"height":1440}]`
	exec.outputs["nvidia-smi"] = "1000, 4000"
	exec.paths["nvidia-smi"] = true

	detector := hardware.NewDetectorWithExecutor(&cfg, exec, logging.NewNop())
	profile, err := detector.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if profile.Encoder != hardware.EncoderVAAPI {
		t.Fatalf("encoder = %q", profile.Encoder)
	}
	if profile.Width != 2560 || profile.Height != 1440 || profile.FPS != 30 {
		t.Fatalf("unexpected target: %+v", profile)
	}
	if profile.VRAM == nil || profile.VRAM.TotalMB != 4000 {
		t.Fatalf("expected VRAM reading, got %+v", profile.VRAM)
	}

	if _, err := detector.Probe(context.Background()); err != nil {
		t.Fatalf("second Probe: %v", err)
	}
	if exec.calls["ffmpeg"] != 1 {
		t.Fatalf("expected cached profile, ffmpeg probed %d times", exec.calls["ffmpeg"])
	}
	if _, err := detector.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if exec.calls["ffmpeg"] != 2 {
		t.Fatalf("expected Refresh to re-probe, got %d", exec.calls["ffmpeg"])
	}
}

func TestDetectorFallbacks(t *testing.T) {
	cfg := config.Default()
	cfg.VideoOptimization.TargetResolution = "1280"
	cfg.VideoOptimization.Encoder = hardware.EncoderNVENC
	exec := newFakeExecutor()
	exec.outputs["ffmpeg"] = encodersOutput

	profile, err := hardware.NewDetectorWithExecutor(&cfg, exec, logging.NewNop()).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if profile.Encoder != hardware.EncoderVAAPI {
		t.Fatalf("expected unavailable nvenc to fall back, got %q", profile.Encoder)
	}
	if profile.DisplayWidth != 1920 || profile.DisplayHeight != 1080 {
		t.Fatalf("expected default display, got %dx%d", profile.DisplayWidth, profile.DisplayHeight)
	}
	if profile.Width != 1280 || profile.Height != 720 {
		t.Fatalf("expected configured 16:9 target, got %dx%d", profile.Width, profile.Height)
	}
	if profile.VRAM != nil {
		t.Fatal("expected no VRAM reading without GPU tools")
	}
}

func TestDetectorWithoutFFmpeg(t *testing.T) {
	cfg := config.Default()
	exec := newFakeExecutor()
	profile, err := hardware.NewDetectorWithExecutor(&cfg, exec, logging.NewNop()).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if profile.CanEncode() || profile.Encoder != hardware.EncoderNone {
		t.Fatalf("expected no encoder, got %q", profile.Encoder)
	}
}
