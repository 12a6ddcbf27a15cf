package transcode_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"reel/internal/logging"
	"reel/internal/services"
	"reel/internal/testsupport"
	"reel/internal/transcode"
)

const writeLastArg = `for a in "$@"; do last="$a"; done
printf 'rendition' > "$last"
`

func sourceFile(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "clip.mkv")
	testsupport.WriteFile(t, src, 128)
	return src
}

func TestEncodeCommitsOutput(t *testing.T) {
	dir := t.TempDir()
	bin := testsupport.StubBinary(t, dir, "ffmpeg", writeLastArg)
	enc := transcode.New(bin, logging.NewNop())

	dst := filepath.Join(dir, "out.mp4")
	err := enc.Encode(context.Background(), sourceFile(t), dst, transcode.Params{Width: 1920, Height: 1080, FPS: 30, Encoder: "libx264", CRF: 23})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "rendition" {
		t.Fatalf("unexpected output %q", data)
	}
	if _, err := os.Stat(dst + transcode.PartSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected part file to be gone, stat err=%v", err)
	}
}

func TestEncodeFailureRemovesPartAndCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	bin := testsupport.StubBinary(t, dir, "ffmpeg", writeLastArg+"echo 'Invalid data found' >&2\nexit 1\n")
	enc := transcode.New(bin, logging.NewNop())

	dst := filepath.Join(dir, "out.mp4")
	err := enc.Encode(context.Background(), sourceFile(t), dst, transcode.Params{Encoder: "libx264"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	for _, p := range []string{dst, dst + transcode.PartSuffix} {
		if _, statErr := os.Stat(p); !errors.Is(statErr, os.ErrNotExist) {
			t.Fatalf("expected %s to be absent, stat err=%v", p, statErr)
		}
	}
}

func TestEncodeCancelStopsFFmpeg(t *testing.T) {
	dir := t.TempDir()
	bin := testsupport.StubBinary(t, dir, "ffmpeg", writeLastArg+"trap 'exit 130' INT\nsleep 5 >/dev/null 2>&1 &\nwait\n")
	enc := transcode.New(bin, logging.NewNop())
	enc.SetWaitDelay(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	dst := filepath.Join(dir, "out.mp4")
	started := time.Now()
	err := enc.Encode(ctx, sourceFile(t), dst, transcode.Params{Encoder: "libx264"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("cancel took too long: %v", elapsed)
	}
	if _, statErr := os.Stat(dst + transcode.PartSuffix); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected part file removed, stat err=%v", statErr)
	}
	if _, statErr := os.Stat(dst); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected no output, stat err=%v", statErr)
	}
}

func TestEncodeRequiresEncoder(t *testing.T) {
	enc := transcode.New("ffmpeg", logging.NewNop())
	for _, name := range []string{"", "none"} {
		err := enc.Encode(context.Background(), "/nonexistent", filepath.Join(t.TempDir(), "o.mp4"), transcode.Params{Encoder: name})
		if !errors.Is(err, transcode.ErrNoEncoder) {
			t.Fatalf("encoder %q: expected ErrNoEncoder, got %v", name, err)
		}
	}
}

func TestEncodeMissingSource(t *testing.T) {
	enc := transcode.New("ffmpeg", logging.NewNop())
	err := enc.Encode(context.Background(), filepath.Join(t.TempDir(), "gone.mkv"), filepath.Join(t.TempDir(), "o.mp4"), transcode.Params{Encoder: "libx264"})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("missing source should not be retryable")
	}
}

func TestBuildArgsPerEncoder(t *testing.T) {
	enc := transcode.New("", nil)
	base := transcode.Params{Width: 2560, Height: 1440, FPS: 30, CRF: 23, Preset: "fast"}

	cases := []struct {
		encoder string
		want    []string
		absent  []string
	}{
		{"libx264", []string{"-crf", "23", "-preset", "fast"}, []string{"-vaapi_device", "-cq"}},
		{"h264_nvenc", []string{"-rc", "vbr", "-cq", "23"}, []string{"-crf", "-vaapi_device"}},
		{"h264_vaapi", []string{"-vaapi_device", "-qp", "23"}, []string{"-crf", "-preset"}},
	}
	for _, tc := range cases {
		t.Run(tc.encoder, func(t *testing.T) {
			p := base
			p.Encoder = tc.encoder
			args := enc.BuildArgs("in.mkv", "out.mp4.part", p)
			for _, w := range tc.want {
				if !slices.Contains(args, w) {
					t.Fatalf("missing %q in %v", w, args)
				}
			}
			for _, a := range tc.absent {
				if slices.Contains(args, a) {
					t.Fatalf("unexpected %q in %v", a, args)
				}
			}
			if args[len(args)-1] != "out.mp4.part" {
				t.Fatalf("output must be last, got %v", args)
			}
			idx := slices.Index(args, "-vf")
			if idx < 0 {
				t.Fatalf("missing filter in %v", args)
			}
			filter := args[idx+1]
			if !strings.HasPrefix(filter, "scale=2560:1440:") || !strings.Contains(filter, "fps=30") {
				t.Fatalf("unexpected filter %q", filter)
			}
			if tc.encoder == "h264_vaapi" && !strings.HasSuffix(filter, "format=nv12,hwupload") {
				t.Fatalf("vaapi filter must upload frames, got %q", filter)
			}
			if slices.Index(args, "-i") > slices.Index(args, "-vf") {
				t.Fatalf("input must precede filters: %v", args)
			}
		})
	}
}
