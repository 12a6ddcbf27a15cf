package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reel/internal/config"
	"reel/internal/daemon"
	"reel/internal/hardware"
	"reel/internal/ipc"
	"reel/internal/logging"
	"reel/internal/media/ffprobe"
	"reel/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	recorder   *testsupport.CommandRecorder
	socketPath string
	configPath string
}

// newCLIConfig builds a config with one video and one image and writes it to disk.
func newCLIConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Hotplug.Enabled = false
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testsupport.WriteMedia(t, filepath.Join(cfg.Paths.VideoDir, "a.mp4"), base)
	testsupport.WriteMedia(t, filepath.Join(cfg.Paths.ImageDir, "a.png"), base)
	return cfg, testsupport.WriteConfigFile(t, cfg)
}

// setupCLITestEnv serves a daemon backed by fakes on the configured socket.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg, configPath := newCLIConfig(t)

	logger := logging.NewNop()
	recorder := testsupport.NewCommandRecorder()
	d, err := daemon.New(cfg, logger, daemon.Options{
		Runner:   recorder,
		Detector: hardware.NewDetectorWithExecutor(cfg, &testsupport.ProbeExecutor{Encoders: testsupport.X264Encoders}, logger),
		Encoder:  &testsupport.FileEncoder{Size: 64},
		Prober:   testsupport.StaticProber{Geom: ffprobe.Geometry{Width: 3840, Height: 2160, FPS: 60}},
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("daemon.Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	socketPath := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socketPath, d, logger)
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI IPC test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	// Mirror the daemon process: a stop request tears down the socket.
	var closeOnce sync.Once
	closeServer := func() { closeOnce.Do(srv.Close) }
	go func() {
		select {
		case <-d.StopRequested():
			closeServer()
		case <-ctx.Done():
		}
	}()

	t.Cleanup(func() {
		cancel()
		closeServer()
		d.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		recorder:   recorder,
		socketPath: socketPath,
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
