package daemon

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reel/internal/config"
	"reel/internal/hardware"
	"reel/internal/logging"
	"reel/internal/media/ffprobe"
	"reel/internal/notifications"
	"reel/internal/rotation"
	"reel/internal/services"
	"reel/internal/testsupport"
)

type testRig struct {
	cfg      *config.Config
	daemon   *Daemon
	recorder *testsupport.CommandRecorder
	encoder  *testsupport.FileEncoder
	notifier *recordingNotifier
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) Events() []notifications.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Event(nil), r.events...)
}

func newTestRig(t *testing.T, videos, images []string) *testRig {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Hotplug.Enabled = false
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range videos {
		testsupport.WriteMedia(t, filepath.Join(cfg.Paths.VideoDir, name), base.Add(time.Duration(i)*time.Hour))
	}
	for i, name := range images {
		testsupport.WriteMedia(t, filepath.Join(cfg.Paths.ImageDir, name), base.Add(time.Duration(i)*time.Hour))
	}
	return rigFor(t, cfg)
}

func rigFor(t *testing.T, cfg *config.Config) *testRig {
	t.Helper()
	recorder := testsupport.NewCommandRecorder()
	encoder := &testsupport.FileEncoder{Size: 128}
	notifier := &recordingNotifier{}
	detector := hardware.NewDetectorWithExecutor(cfg, &testsupport.ProbeExecutor{Encoders: testsupport.X264Encoders}, logging.NewNop())
	d, err := New(cfg, logging.NewNop(), Options{
		Runner:   recorder,
		Detector: detector,
		Encoder:  encoder,
		Prober:   testsupport.StaticProber{Geom: ffprobe.Geometry{Width: 3840, Height: 2160, FPS: 60}},
		Rand:     rand.New(rand.NewPCG(1, 2)),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return &testRig{cfg: cfg, daemon: d, recorder: recorder, encoder: encoder, notifier: notifier}
}

func (r *testRig) open(t *testing.T) {
	t.Helper()
	if err := r.daemon.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func lastStarted(r *testRig) string {
	started := r.recorder.Started()
	if len(started) == 0 {
		return ""
	}
	return started[len(started)-1]
}

func TestDaemonStartStop(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4"}, []string{"a.png"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rig.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !rig.daemon.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if err := rig.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.HasPrefix(lastStarted(rig), "mpvpaper ") {
		if time.Now().After(deadline) {
			t.Fatalf("rotation loop never showed a video; calls=%v", rig.recorder.Calls())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rig.daemon.Stop()
	if rig.daemon.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4"}, nil)
	rig.open(t)

	other := rigFor(t, rig.cfg)
	err := other.daemon.Open(context.Background())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := rig.daemon.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := other.daemon.Open(context.Background()); err != nil {
		t.Fatalf("Open after release: %v", err)
	}
}

func TestNextPlaysOriginalOnCacheMiss(t *testing.T) {
	rig := newTestRig(t, []string{"clip.mkv"}, nil)
	rig.open(t)

	shown, err := rig.daemon.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := filepath.Join(rig.cfg.Paths.VideoDir, "clip.mkv")
	if shown.Source != want || shown.Played != want || shown.Rendition {
		t.Fatalf("unexpected shown: %+v", shown)
	}
	if got := lastStarted(rig); !strings.HasPrefix(got, "mpvpaper -o --loop --no-audio --hwdec=auto * ") || !strings.HasSuffix(got, want) {
		t.Fatalf("unexpected mpvpaper launch: %q", got)
	}
	if len(rig.encoder.Sources()) != 0 {
		t.Fatal("Next must not encode inline")
	}
}

func TestNextPlaysCachedRenditionAndPinsIt(t *testing.T) {
	rig := newTestRig(t, []string{"clip.mkv"}, nil)
	rig.open(t)
	ctx := context.Background()

	encoded, err := rig.daemon.WarmCache(ctx, 3, nil)
	if err != nil {
		t.Fatalf("WarmCache: %v", err)
	}
	if encoded != 1 {
		t.Fatalf("expected one rendition, got %d", encoded)
	}

	shown, err := rig.daemon.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !shown.Rendition || filepath.Dir(shown.Played) != rig.cfg.VideoOptimization.CacheDir {
		t.Fatalf("expected cached rendition, got %+v", shown)
	}
	if !strings.HasSuffix(lastStarted(rig), shown.Played) {
		t.Fatalf("mpvpaper did not receive the rendition: %q", lastStarted(rig))
	}

	result, err := rig.daemon.PruneCache(ctx)
	if err != nil {
		t.Fatalf("PruneCache: %v", err)
	}
	if result.Removed != 0 || result.Pinned != 1 {
		t.Fatalf("expected the playing rendition to survive prune, got %+v", result)
	}
	stats, entries, err := rig.daemon.CacheStats()
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if stats.Entries != 1 || len(entries) != 1 || stats.Pinned != 1 {
		t.Fatalf("unexpected cache stats: %+v entries=%d", stats, len(entries))
	}
}

func TestNextOnEmptyPoolIsNotFound(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	rig.open(t)

	_, err := rig.daemon.Next(context.Background())
	if !errors.Is(err, services.ErrNotFound) || !errors.Is(err, rotation.ErrNoCandidates) {
		t.Fatalf("expected not-found wrapping ErrNoCandidates, got %v", err)
	}
	status := rig.daemon.Status(context.Background())
	if status.LastErrorKey != "not_found" {
		t.Fatalf("expected last error class not_found, got %q", status.LastErrorKey)
	}
}

func TestSwitchModePersistsAndStopsVideo(t *testing.T) {
	rig := newTestRig(t, []string{"clip.mp4"}, []string{"still.png"})
	rig.open(t)
	ctx := context.Background()

	if _, err := rig.daemon.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	shown, err := rig.daemon.SwitchMode(ctx, rotation.ModeImage)
	if err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if shown.Mode != rotation.ModeImage || filepath.Base(shown.Played) != "still.png" {
		t.Fatalf("unexpected shown: %+v", shown)
	}

	calls := rig.recorder.Calls()
	var sawKill, sawImg bool
	for _, call := range calls {
		sawKill = sawKill || call == "pkill -x mpvpaper"
		sawImg = sawImg || strings.HasPrefix(call, "swww img "+shown.Played)
	}
	if !sawKill || !sawImg {
		t.Fatalf("expected pkill and swww img, got %v", calls)
	}

	if err := rig.daemon.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened := rigFor(t, rig.cfg)
	reopened.open(t)
	if mode := reopened.daemon.Mode(); mode != rotation.ModeImage {
		t.Fatalf("expected persisted image mode, got %s", mode)
	}
}

func TestStopWaitsForModeSwitchPreload(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4", "b.mp4", "c.mp4"}, []string{"still.png"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rig.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := rig.daemon.SwitchMode(ctx, rotation.ModeImage); err != nil {
		t.Fatalf("SwitchMode image: %v", err)
	}
	if _, err := rig.daemon.SwitchMode(ctx, rotation.ModeVideo); err != nil {
		t.Fatalf("SwitchMode video: %v", err)
	}
	rig.daemon.Stop()

	rig.daemon.mu.Lock()
	queue, runCtx := rig.daemon.preload, rig.daemon.runCtx
	rig.daemon.mu.Unlock()
	if runCtx != nil {
		t.Fatal("expected run context cleared after Stop")
	}
	if queue == nil {
		t.Fatal("expected preload queue to outlive Stop")
	}
	if n := queue.Active(); n != 0 {
		t.Fatalf("expected no preload jobs left after Stop, got %d", n)
	}
}

func TestResetPicksUpNewFiles(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4"}, nil)
	rig.open(t)

	testsupport.WriteMedia(t, filepath.Join(rig.cfg.Paths.VideoDir, "b.mp4"), time.Now())
	summary, err := rig.daemon.Reset(context.Background(), rotation.ModeVideo)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if summary.Added != 1 || summary.Kept != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	pool, err := rig.daemon.Pool(rotation.ModeVideo)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if len(pool.Items) != 2 || pool.Stats.Count != 2 {
		t.Fatalf("unexpected pool: %+v", pool)
	}
}

func TestResetKeepsPoolWhenDirectoryEmpties(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4"}, nil)
	rig.open(t)
	if err := os.Remove(filepath.Join(rig.cfg.Paths.VideoDir, "a.mp4")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	summary, err := rig.daemon.Reset(context.Background(), rotation.ModeVideo)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if summary.Kept != 1 || summary.Removed != 0 {
		t.Fatalf("expected pool preserved, got %+v", summary)
	}
}

func TestVRAMFallbackAndRecovery(t *testing.T) {
	rig := newTestRig(t, []string{"clip.mp4"}, []string{"still.png"})
	rig.open(t)
	ctx := context.Background()

	low := hardware.VRAMInfo{UsedMB: 950, TotalMB: 1000}
	high := hardware.VRAMInfo{UsedMB: 100, TotalMB: 1000}

	if err := rig.daemon.onVRAMLow(ctx, low); err != nil {
		t.Fatalf("onVRAMLow: %v", err)
	}
	status := rig.daemon.Status(ctx)
	if status.Mode != rotation.ModeImage || !status.VRAMFallback {
		t.Fatalf("expected image fallback, got mode=%s fallback=%v", status.Mode, status.VRAMFallback)
	}

	if err := rig.daemon.onVRAMRecovered(ctx, high); err != nil {
		t.Fatalf("onVRAMRecovered: %v", err)
	}
	if mode := rig.daemon.Mode(); mode != rotation.ModeVideo {
		t.Fatalf("expected return to video, got %s", mode)
	}

	// A manual switch to image mode is not undone by recovery.
	if _, err := rig.daemon.SwitchMode(ctx, rotation.ModeImage); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if err := rig.daemon.onVRAMRecovered(ctx, high); err != nil {
		t.Fatalf("onVRAMRecovered: %v", err)
	}
	if mode := rig.daemon.Mode(); mode != rotation.ModeImage {
		t.Fatalf("expected manual image mode to stick, got %s", mode)
	}

	events := rig.notifier.Events()
	if len(events) != 2 || events[0] != notifications.EventVRAMFallback || events[1] != notifications.EventVRAMRecovered {
		t.Fatalf("unexpected notifications: %v", events)
	}
}

func TestEmptyPoolAlertsOnce(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	rig.open(t)
	ctx := context.Background()

	rig.daemon.rotate(ctx)
	rig.daemon.rotate(ctx)
	events := rig.notifier.Events()
	if len(events) != 1 || events[0] != notifications.EventPoolEmpty {
		t.Fatalf("expected a single pool-empty alert, got %v", events)
	}
}

func TestRequestStopClosesChannelOnce(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	rig.daemon.RequestStop()
	rig.daemon.RequestStop()
	select {
	case <-rig.daemon.StopRequested():
	default:
		t.Fatal("expected stop request channel closed")
	}
}

func TestOperationsRequireOpen(t *testing.T) {
	rig := newTestRig(t, []string{"a.mp4"}, nil)
	if _, err := rig.daemon.Next(context.Background()); err == nil {
		t.Fatal("expected Next to fail before Open")
	}
}
