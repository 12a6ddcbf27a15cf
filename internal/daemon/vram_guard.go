package daemon

import (
	"context"
	"log/slog"
	"time"

	"reel/internal/config"
	"reel/internal/hardware"
	"reel/internal/logging"
)

// vramGuard polls video memory and reports low and recovered readings. The
// two thresholds form a hysteresis band; readings inside it trigger nothing.
type vramGuard struct {
	low       float64
	recovery  float64
	interval  time.Duration
	probe     func(ctx context.Context) (hardware.VRAMInfo, error)
	onLow     func(ctx context.Context, info hardware.VRAMInfo) error
	onRecover func(ctx context.Context, info hardware.VRAMInfo) error
	logger    *slog.Logger
}

func newVRAMGuard(
	cfg config.VRAM,
	probe func(ctx context.Context) (hardware.VRAMInfo, error),
	onLow, onRecover func(ctx context.Context, info hardware.VRAMInfo) error,
	logger *slog.Logger,
) *vramGuard {
	interval := time.Duration(cfg.CheckInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &vramGuard{
		low:       cfg.LowFreePercent,
		recovery:  cfg.RecoveryFreePercent,
		interval:  interval,
		probe:     probe,
		onLow:     onLow,
		onRecover: onRecover,
		logger:    logging.NewComponentLogger(logger, "vram"),
	}
}

// Run checks on every interval until ctx is done.
func (g *vramGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check takes one reading and fires the matching callback.
func (g *vramGuard) Check(ctx context.Context) {
	info, err := g.probe(ctx)
	if err != nil {
		g.logger.Debug("vram probe failed", logging.Error(err))
		return
	}
	free := info.FreePercent()
	var cbErr error
	switch {
	case free < g.low:
		g.logger.Debug("vram low", logging.Float64("free_percent", free))
		cbErr = g.onLow(ctx, info)
	case free >= g.recovery:
		cbErr = g.onRecover(ctx, info)
	default:
		return
	}
	if cbErr != nil {
		logging.WarnWithContext(g.logger, "vram mode change failed", "vram_switch_failed",
			logging.Float64("free_percent", free),
			logging.Error(cbErr),
			logging.String(logging.FieldErrorHint, "check the image directory and swww"),
			logging.String(logging.FieldImpact, "the guard retries on the next check"),
		)
	}
}
