package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reel/internal/rotation"
	"reel/internal/testsupport"
)

func TestNextAndSwitchThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"next"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	requireContains(t, out, "Showing a.mp4")

	out, _, err = runCLI(t, []string{"picture"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("picture: %v", err)
	}
	requireContains(t, out, "Mode: image")
	requireContains(t, out, "Showing a.png")

	var sawImg bool
	for _, call := range env.recorder.Calls() {
		sawImg = sawImg || strings.HasPrefix(call, "swww img ")
	}
	if !sawImg {
		t.Fatalf("expected swww img call, got %v", env.recorder.Calls())
	}
	if env.daemon.Mode() != rotation.ModeImage {
		t.Fatalf("daemon mode = %s", env.daemon.Mode())
	}
}

func TestStatusJSONThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status", "--mode", "video", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status json: %v\n%s", err, out)
	}
	if view.Status.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), view.Status.PID)
	}
	if view.Pool.Mode != rotation.ModeVideo || len(view.Pool.Items) != 1 {
		t.Fatalf("unexpected pool: %+v", view.Pool)
	}
}

func TestStatusTableThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "video pool")
	requireContains(t, out, "a.mp4")
	requireContains(t, out, "never")
}

func TestCacheStatsThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"cache", "stats", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	var view cacheStatsView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode cache json: %v", err)
	}
	if view.Stats.Dir != env.cfg.VideoOptimization.CacheDir || view.Stats.Entries != 0 {
		t.Fatalf("unexpected cache stats: %+v", view.Stats)
	}

	out, _, err = runCLI(t, []string{"cache", "prune"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cache prune: %v", err)
	}
	requireContains(t, out, "Removed 0 renditions")
}

func TestResetWithoutDaemonOpensStateDirectly(t *testing.T) {
	cfg, configPath := newCLIConfig(t)
	testsupport.WriteMedia(t, filepath.Join(cfg.Paths.VideoDir, "b.mkv"), time.Now())
	socket := filepath.Join(t.TempDir(), "missing.sock")

	out, _, err := runCLI(t, []string{"reset", "--mode", "video"}, socket, configPath)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	requireContains(t, out, "video pool: 2 kept, 0 added, 0 removed")
	if _, err := os.Stat(cfg.WeightSnapshotPath(string(rotation.ModeVideo))); err != nil {
		t.Fatalf("expected weight snapshot: %v", err)
	}

	out, _, err = runCLI(t, []string{"status", "--mode", "video"}, socket, configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")
	requireContains(t, out, "b.mkv")
}

func TestStandaloneCommandReportsLockedState(t *testing.T) {
	env := setupCLITestEnv(t)
	socket := filepath.Join(t.TempDir(), "other.sock")

	_, _, err := runCLI(t, []string{"reset"}, socket, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not answering") {
		t.Fatalf("expected locked-state error, got %v", err)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	_, configPath := newCLIConfig(t)
	out, _, err := runCLI(t, []string{"stop"}, filepath.Join(t.TempDir(), "none.sock"), configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestStopThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon stopped")
	select {
	case <-env.daemon.StopRequested():
	case <-time.After(time.Second):
		t.Fatal("daemon did not receive the stop request")
	}
}

func TestResetRejectsUnknownMode(t *testing.T) {
	_, configPath := newCLIConfig(t)
	_, _, err := runCLI(t, []string{"reset", "--mode", "slideshow"}, filepath.Join(t.TempDir(), "x.sock"), configPath)
	if err == nil {
		t.Fatal("expected unknown mode error")
	}
}

func TestPoolRowsSortedByWeight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := poolRows([]rotation.Item{
		{Path: "/v/light.mp4", Weight: 0.5},
		{Path: "/v/heavy.mp4", Weight: 1.5, SkipStreak: 4, LastSelectedAt: now.Add(-2 * time.Hour)},
		{Path: "/v/mid.mp4", Weight: 1.0},
	}, now)

	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][1] != "heavy.mp4" || rows[1][1] != "mid.mp4" || rows[2][1] != "light.mp4" {
		t.Fatalf("unexpected order: %v", rows)
	}
	if rows[0][2] != "1.500" || rows[0][3] != "4" || rows[0][4] != "2 hours ago" {
		t.Fatalf("unexpected heavy row: %v", rows[0])
	}
	if rows[2][4] != "never" {
		t.Fatalf("expected never for unseen item, got %q", rows[2][4])
	}
}

func TestStartWithRunningDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Daemon already running")
}

func TestLogsShowsTail(t *testing.T) {
	cfg, configPath := newCLIConfig(t)
	logPath := filepath.Join(cfg.Paths.LogDir, "reel.log")
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, filepath.Join(t.TempDir(), "x.sock"), configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "first") || !strings.Contains(out, "second\nthird\n") {
		t.Fatalf("unexpected logs output: %q", out)
	}
}

func TestTestNotifyWithoutTopic(t *testing.T) {
	_, configPath := newCLIConfig(t)
	out, _, err := runCLI(t, []string{"test-notify"}, filepath.Join(t.TempDir(), "x.sock"), configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications disabled")
}
