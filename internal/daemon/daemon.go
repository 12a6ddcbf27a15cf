package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"reel/internal/config"
	"reel/internal/display"
	"reel/internal/hardware"
	"reel/internal/logging"
	"reel/internal/media/ffprobe"
	"reel/internal/notifications"
	"reel/internal/preload"
	"reel/internal/rendition"
	"reel/internal/rotation"
	"reel/internal/scan"
	"reel/internal/services"
	"reel/internal/transcode"
)

// ErrLocked is returned when another process holds the daemon lock.
var ErrLocked = errors.New("another reel instance holds the state lock")

// Options injects collaborators. Zero values select the real implementations.
type Options struct {
	Runner   display.Runner
	Detector *hardware.Detector
	Encoder  rendition.Encoder
	Prober   rendition.Prober
	Rand     rotation.Rand
	Now      func() time.Time
	Notifier notifications.Service
}

// Shown records the last item handed to a display adapter.
type Shown struct {
	Mode       rotation.Mode `json:"mode"`
	Source     string        `json:"source"`
	Played     string        `json:"played"`
	Rendition  bool          `json:"rendition"`
	Weight     float64       `json:"weight"`
	Generation uint64        `json:"generation"`
	Reshuffled int           `json:"reshuffled,omitempty"`
	At         time.Time     `json:"at"`
}

// Daemon drives the desktop wallpaper and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	base      *slog.Logger
	logger    *slog.Logger
	detector  *hardware.Detector
	engines   map[rotation.Mode]*rotation.Engine
	displays  map[rotation.Mode]display.Engine
	dirs      map[rotation.Mode]string
	encoder   rendition.Encoder
	prober    rendition.Prober
	notifier  notifications.Service
	now       func() time.Time
	sessionID string

	lockPath string
	lock     *flock.Flock

	// mu serializes display changes and guards the fields below. It is never
	// held while waiting on an encode.
	mu           sync.Mutex
	opened       bool
	mode         rotation.Mode
	pinned       string
	last         map[rotation.Mode]Shown
	lastErr      error
	vramFallback bool
	emptyAlerted map[rotation.Mode]bool
	cache        *rendition.Cache
	preload      *preload.Queue
	runCtx       context.Context

	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	kick     chan struct{}
	hotplug  *hotplugMonitor
	stopReq  chan struct{}
	stopOnce sync.Once
}

// New constructs a daemon. Nothing touches the filesystem until Open or Start.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	runner := opts.Runner
	if runner == nil {
		runner = display.ExecRunner{}
	}
	detector := opts.Detector
	if detector == nil {
		detector = hardware.NewDetector(cfg, logger)
	}
	encoder := opts.Encoder
	if encoder == nil {
		encoder = transcode.New(cfg.FFmpegBinary(), logger)
	}
	prober := opts.Prober
	if prober == nil {
		prober = ffprobe.Prober{Binary: cfg.FFprobeBinary()}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	params := rotation.ParamsFromConfig(cfg.Weight)
	engines := make(map[rotation.Mode]*rotation.Engine, 2)
	for _, mode := range []rotation.Mode{rotation.ModeVideo, rotation.ModeImage} {
		engineOpts := []rotation.Option{
			rotation.WithPersister(rotation.NewFileStore(cfg.WeightSnapshotPath(string(mode)))),
			rotation.WithLogger(logger),
			rotation.WithClock(now),
		}
		if opts.Rand != nil {
			engineOpts = append(engineOpts, rotation.WithRand(opts.Rand))
		}
		engines[mode] = rotation.NewEngine(mode, params, engineOpts...)
	}
	video, image := display.New(cfg, runner, logger)

	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		detector: detector,
		engines:  engines,
		displays: map[rotation.Mode]display.Engine{rotation.ModeVideo: video, rotation.ModeImage: image},
		dirs: map[rotation.Mode]string{
			rotation.ModeVideo: cfg.Paths.VideoDir,
			rotation.ModeImage: cfg.Paths.ImageDir,
		},
		encoder:      encoder,
		prober:       prober,
		notifier:     notifier,
		now:          now,
		sessionID:    uuid.NewString(),
		lockPath:     lockPath,
		lock:         flock.New(lockPath),
		mode:         rotation.ModeVideo,
		last:         make(map[rotation.Mode]Shown, 2),
		emptyAlerted: make(map[rotation.Mode]bool, 2),
		kick:         make(chan struct{}, 1),
		stopReq:      make(chan struct{}),
	}, nil
}

// Open takes the state lock, loads both pools, opens the rendition cache and
// restores the persisted mode. The CLI uses Open directly when no daemon is
// serving the socket.
func (d *Daemon) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}

	if err := os.MkdirAll(d.cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}

	for _, mode := range []rotation.Mode{rotation.ModeVideo, rotation.ModeImage} {
		if err := d.engines[mode].Load(ctx); err != nil {
			_ = d.lock.Unlock()
			return fmt.Errorf("load %s pool: %w", mode, err)
		}
		if _, err := d.rescanLocked(ctx, mode); err != nil && ctx.Err() != nil {
			_ = d.lock.Unlock()
			return err
		}
	}

	if d.cfg.VideoOptimization.Enabled {
		if err := d.openCacheLocked(ctx); err != nil {
			logging.WarnWithContext(d.logger, "rendition cache unavailable; videos play at source resolution", "rendition_cache_unavailable",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check video_optimization.cache_dir permissions"),
				logging.String(logging.FieldImpact, "no preloading or downscaled playback"),
			)
		}
	}

	mode, found, err := readMode(d.cfg.ModeStatePath())
	switch {
	case err != nil:
		logging.WarnWithContext(d.logger, "persisted mode unreadable; defaulting to video", "mode_state_unreadable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run reel video or reel picture to rewrite it"),
		)
	case found:
		d.mode = mode
	}
	d.opened = true
	d.logger.Info("state opened",
		logging.String(logging.FieldMode, string(d.mode)),
		logging.Int("videos", d.engines[rotation.ModeVideo].Len()),
		logging.Int("images", d.engines[rotation.ModeImage].Len()),
		logging.Bool("cache", d.cache != nil),
	)
	return nil
}

func (d *Daemon) openCacheLocked(ctx context.Context) error {
	cache, err := rendition.Open(ctx, rendition.Options{
		Dir:         d.cfg.VideoOptimization.CacheDir,
		IndexPath:   d.cfg.RenditionIndexPath(),
		BudgetBytes: d.cfg.CacheBudgetBytes(),
		Encoder:     d.encoder,
		Prober:      d.prober,
		Logger:      d.base,
		Now:         d.now,
	})
	if err != nil {
		return err
	}
	result, err := cache.Reconcile(ctx)
	if err != nil {
		_ = cache.Close()
		return err
	}
	d.logger.Info("rendition cache reconciled",
		logging.Int("dropped_rows", result.DroppedRows),
		logging.Int("removed_orphans", result.RemovedOrphans),
		logging.Int("removed_parts", result.RemovedParts),
		logging.Int("evicted", result.Evicted),
	)
	d.cache = cache
	vo := d.cfg.VideoOptimization
	d.preload = preload.New(d.engines[rotation.ModeVideo], cache, d.EncodeParams, preload.Options{
		Count:           vo.PreloadCount,
		Interval:        time.Duration(vo.PreloadInterval) * time.Second,
		StartsPerMinute: vo.EncodeStartsPerMinute,
		Logger:          d.base,
		OnGiveUp: func(source string, err error) {
			d.notify(context.WithoutCancel(ctx), notifications.EventEncodeFailed, notifications.Payload{
				"source": source,
				"error":  err.Error(),
			})
		},
	})
	return nil
}

// Start opens state, then launches the rotation loop, the preload queue and
// the optional hotplug and VRAM monitors.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.Open(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mu.Lock()
	mode := d.mode
	queue := d.preload
	d.runCtx = runCtx
	d.mu.Unlock()
	if queue != nil {
		queue.SetPaused(mode != rotation.ModeVideo)
		if err := queue.Start(runCtx); err != nil {
			cancel()
			d.mu.Lock()
			d.runCtx = nil
			d.mu.Unlock()
			return fmt.Errorf("start preload: %w", err)
		}
	}

	if d.cfg.Hotplug.Enabled {
		d.hotplug = newHotplugMonitor(d.base, d.onDisplayChange)
		_ = d.hotplug.Start(runCtx)
	}
	if d.cfg.VRAM.Enabled {
		guard := newVRAMGuard(d.cfg.VRAM, d.detector.VRAM, d.onVRAMLow, d.onVRAMRecovered, d.base)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			guard.Run(runCtx)
		}()
	}

	d.wg.Add(1)
	go d.rotationLoop(runCtx)

	d.running.Store(true)
	d.logger.Info("reel daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldMode, string(mode)),
		logging.String("session_id", d.sessionID),
	)
	return nil
}

// Stop halts background work. The wallpaper currently on screen stays up.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.hotplug.Stop()
	d.hotplug = nil
	d.mu.Lock()
	queue := d.preload
	d.runCtx = nil
	d.mu.Unlock()
	if queue != nil {
		queue.Stop()
	}
	d.wg.Wait()
	d.running.Store(false)
	d.logger.Info("reel daemon stopped")
}

// Close stops the daemon, closes the cache index and releases the lock.
func (d *Daemon) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.cache != nil {
		if d.pinned != "" {
			d.cache.Release(context.Background(), d.pinned)
			d.pinned = ""
		}
		err = d.cache.Close()
		d.cache = nil
		d.preload = nil
	}
	if d.opened {
		if unlockErr := d.lock.Unlock(); unlockErr != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(unlockErr))
		}
		d.opened = false
	}
	return err
}

// RequestStop asks the process hosting the daemon to shut down.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() { close(d.stopReq) })
}

// StopRequested is closed once RequestStop has been called.
func (d *Daemon) StopRequested() <-chan struct{} {
	return d.stopReq
}

// Running reports whether background loops are active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Mode returns the active mode.
func (d *Daemon) Mode() rotation.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Next advances the active pool and shows the pick.
func (d *Daemon) Next(ctx context.Context) (Shown, error) {
	d.mu.Lock()
	shown, err := d.showLocked(ctx, d.mode)
	d.mu.Unlock()
	if err == nil {
		d.restartInterval()
	}
	return shown, err
}

// SwitchMode makes mode active, persists it and shows a pick from its pool.
// Switching to image mode stops the video player and pauses preloading.
func (d *Daemon) SwitchMode(ctx context.Context, mode rotation.Mode) (Shown, error) {
	d.mu.Lock()
	d.vramFallback = false
	shown, err := d.switchLocked(ctx, mode, "requested")
	d.mu.Unlock()
	if err == nil {
		d.restartInterval()
	}
	return shown, err
}

func (d *Daemon) switchLocked(ctx context.Context, mode rotation.Mode, reason string) (Shown, error) {
	if err := d.ensureOpenLocked(); err != nil {
		return Shown{}, err
	}
	previous := d.mode
	if mode == rotation.ModeImage {
		if err := d.displays[rotation.ModeVideo].Stop(ctx); err != nil {
			logging.WarnWithContext(d.logger, "video player did not stop", "video_stop_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "pkill mpvpaper manually"),
				logging.String(logging.FieldImpact, "the video may keep drawing over the image"),
			)
		}
		d.releasePinnedLocked(ctx)
		if d.preload != nil {
			d.preload.SetPaused(true)
			d.preload.CancelAll("image mode")
		}
	} else if d.preload != nil {
		d.preload.SetPaused(false)
	}

	d.mode = mode
	if err := writeMode(d.cfg.ModeStatePath(), mode); err != nil {
		logging.WarnWithContext(d.logger, "mode not persisted", "mode_state_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "the next start uses the previous mode"),
		)
	}
	d.logger.Info("mode switched",
		logging.String("from", string(previous)),
		logging.String("to", string(mode)),
		logging.String("reason", reason),
	)
	shown, err := d.showLocked(ctx, mode)
	if queue, runCtx := d.preload, d.runCtx; err == nil && mode == rotation.ModeVideo && queue != nil && runCtx != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_, _ = queue.Tick(runCtx)
		}()
	}
	return shown, err
}

// Reset rescans the mode's directory and merges it into the pool.
func (d *Daemon) Reset(ctx context.Context, mode rotation.Mode) (rotation.ReconcileSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureOpenLocked(); err != nil {
		return rotation.ReconcileSummary{}, err
	}
	summary, err := d.rescanLocked(ctx, mode)
	if err != nil {
		return summary, err
	}
	if mode == rotation.ModeVideo && d.preload != nil {
		d.preload.Forget()
	}
	return summary, nil
}

func (d *Daemon) showLocked(ctx context.Context, mode rotation.Mode) (Shown, error) {
	if err := d.ensureOpenLocked(); err != nil {
		return Shown{}, err
	}
	ctx = services.WithMode(ctx, string(mode))
	engine := d.engines[mode]
	sel, err := engine.Next(ctx)
	if err != nil {
		if errors.Is(err, rotation.ErrNoCandidates) {
			err = services.Wrap(services.ErrNotFound, "daemon", "next", "no media found in "+d.dirs[mode], err)
		}
		d.lastErr = err
		return Shown{}, err
	}

	shown := Shown{
		Mode:       mode,
		Source:     sel.Path,
		Played:     sel.Path,
		Weight:     sel.Weight,
		Generation: sel.Generation,
		Reshuffled: sel.Reshuffled,
		At:         sel.SelectedAt,
	}
	var pin string
	if mode == rotation.ModeVideo {
		pin = d.acquireRenditionLocked(ctx, sel.Path)
		if pin != "" {
			shown.Played = pin
			shown.Rendition = true
		}
	}

	if err := d.displays[mode].Show(ctx, shown.Played); err != nil {
		if pin != "" {
			d.cache.Release(ctx, pin)
		}
		d.lastErr = err
		return Shown{}, err
	}
	if mode == rotation.ModeVideo {
		d.releasePinnedLocked(ctx)
		d.pinned = pin
	}
	d.last[mode] = shown
	d.lastErr = nil
	d.emptyAlerted[mode] = false
	d.logger.Info("wallpaper shown",
		logging.String(logging.FieldMode, string(mode)),
		logging.String(logging.FieldPath, shown.Source),
		logging.Bool("rendition", shown.Rendition),
		logging.Float64("weight", shown.Weight),
	)
	return shown, nil
}

// acquireRenditionLocked pins a cached rendition for source, or returns ""
// when the original should play. A miss never encodes inline; the preload
// queue fills the cache in the background.
func (d *Daemon) acquireRenditionLocked(ctx context.Context, source string) string {
	if d.cache == nil {
		return ""
	}
	params, err := d.EncodeParams(ctx)
	if err != nil || params.Encoder == "" || params.Encoder == hardware.EncoderNone {
		return ""
	}
	entry, err := d.cache.Acquire(ctx, rendition.KeyFor(source, params))
	if err != nil {
		d.logger.Debug("rendition not cached; playing original", logging.String(logging.FieldPath, source))
		return ""
	}
	return entry.Path
}

func (d *Daemon) releasePinnedLocked(ctx context.Context) {
	if d.pinned != "" && d.cache != nil {
		d.cache.Release(ctx, d.pinned)
	}
	d.pinned = ""
}

func (d *Daemon) rescanLocked(ctx context.Context, mode rotation.Mode) (rotation.ReconcileSummary, error) {
	dir := d.dirs[mode]
	files, err := scan.Dir(ctx, dir, d.displays[mode].Extensions())
	if err != nil {
		if errors.Is(err, scan.ErrDirMissing) {
			err = services.Wrap(services.ErrConfiguration, "daemon", "scan", dir, err)
		}
		logging.WarnWithContext(d.logger, "media directory scan failed; keeping previous pool", "media_scan_failed",
			logging.String(logging.FieldMode, string(mode)),
			logging.String("dir", dir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the paths section of config.toml"),
			logging.String(logging.FieldImpact, "new or removed files are not reflected"),
		)
		return rotation.ReconcileSummary{}, err
	}
	if len(files) == 0 {
		logging.WarnWithContext(d.logger, "no media files found; keeping previous pool", "media_dir_empty",
			logging.String(logging.FieldMode, string(mode)),
			logging.String("dir", dir),
			logging.Any("extensions", d.displays[mode].Extensions()),
			logging.String(logging.FieldErrorHint, "add files or fix the directory path"),
			logging.String(logging.FieldImpact, "weights are preserved until files reappear"),
		)
		return rotation.ReconcileSummary{Kept: d.engines[mode].Len()}, nil
	}
	return d.engines[mode].Rescan(ctx, files)
}

func (d *Daemon) ensureOpenLocked() error {
	if !d.opened {
		return errors.New("daemon state not opened")
	}
	return nil
}

// EncodeParams returns the current rendition target from the hardware profile.
func (d *Daemon) EncodeParams(ctx context.Context) (transcode.Params, error) {
	profile, err := d.detector.Probe(ctx)
	if err != nil {
		return transcode.Params{}, err
	}
	vo := d.cfg.VideoOptimization
	return transcode.Params{
		Width:   profile.Width,
		Height:  profile.Height,
		FPS:     profile.FPS,
		Encoder: profile.Encoder,
		CRF:     vo.CRF,
		Preset:  vo.Preset,
	}, nil
}

func (d *Daemon) interval(mode rotation.Mode) time.Duration {
	seconds := d.cfg.VideoEngine.Interval
	if mode == rotation.ModeImage {
		seconds = d.cfg.ImageEngine.Interval
	}
	return time.Duration(max(seconds, 1)) * time.Second
}

func (d *Daemon) restartInterval() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// rotationLoop shows a pick immediately, then once per mode interval. A kick
// restarts the wait after a manual change.
func (d *Daemon) rotationLoop(ctx context.Context) {
	defer d.wg.Done()
	d.rotate(ctx)
	timer := time.NewTimer(d.interval(d.Mode()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		case <-timer.C:
			d.rotate(ctx)
		}
		timer.Reset(d.interval(d.Mode()))
	}
}

func (d *Daemon) rotate(ctx context.Context) {
	d.mu.Lock()
	mode := d.mode
	_, err := d.showLocked(ctx, mode)
	alertEmpty := errors.Is(err, rotation.ErrNoCandidates) && !d.emptyAlerted[mode]
	if alertEmpty {
		d.emptyAlerted[mode] = true
	}
	d.mu.Unlock()
	if alertEmpty {
		d.notify(ctx, notifications.EventPoolEmpty, notifications.Payload{
			"mode": string(mode),
			"dir":  d.dirs[mode],
		})
	}
	if err != nil && ctx.Err() == nil {
		logging.WarnWithContext(d.logger, "wallpaper rotation failed", "rotation_failed",
			logging.Error(err),
			logging.String("error_class", services.Classify(err)),
			logging.String(logging.FieldErrorHint, "run reel deps and check the media directories"),
			logging.String(logging.FieldImpact, "the current wallpaper stays until the next interval"),
		)
	}
}

// onDisplayChange re-probes the display after a hotplug and restarts preload
// bookkeeping against the new target.
func (d *Daemon) onDisplayChange(ctx context.Context) error {
	profile, err := d.detector.Refresh(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	queue := d.preload
	d.mu.Unlock()
	if queue != nil {
		queue.CancelAll("display changed")
		queue.Forget()
	}
	d.logger.Info("display target refreshed",
		logging.Int("width", profile.Width),
		logging.Int("height", profile.Height),
	)
	return nil
}

func (d *Daemon) onVRAMLow(ctx context.Context, info hardware.VRAMInfo) error {
	d.mu.Lock()
	if d.mode != rotation.ModeVideo {
		d.mu.Unlock()
		return nil
	}
	d.vramFallback = true
	_, err := d.switchLocked(ctx, rotation.ModeImage, fmt.Sprintf("vram %.1f%% free", info.FreePercent()))
	if err == nil {
		d.restartInterval()
	}
	d.mu.Unlock()
	if err == nil {
		d.notify(ctx, notifications.EventVRAMFallback, notifications.Payload{"free_percent": info.FreePercent()})
	}
	return err
}

func (d *Daemon) onVRAMRecovered(ctx context.Context, info hardware.VRAMInfo) error {
	d.mu.Lock()
	if !d.vramFallback || d.mode != rotation.ModeImage {
		d.mu.Unlock()
		return nil
	}
	d.vramFallback = false
	_, err := d.switchLocked(ctx, rotation.ModeVideo, fmt.Sprintf("vram %.1f%% free", info.FreePercent()))
	if err == nil {
		d.restartInterval()
	}
	d.mu.Unlock()
	if err == nil {
		d.notify(ctx, notifications.EventVRAMRecovered, notifications.Payload{"free_percent": info.FreePercent()})
	}
	return err
}

// notify publishes event without holding d.mu. Delivery failures are logged only.
func (d *Daemon) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := d.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(d.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "the event is only in the log"),
		)
	}
}
