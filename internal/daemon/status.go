package daemon

import (
	"context"
	"errors"

	"reel/internal/hardware"
	"reel/internal/preload"
	"reel/internal/rendition"
	"reel/internal/rotation"
	"reel/internal/services"
)

// ErrCacheDisabled is returned by cache operations when video optimization is
// off or the cache failed to open.
var ErrCacheDisabled = errors.New("rendition cache disabled")

// Status represents daemon runtime information.
type Status struct {
	Running      bool                             `json:"running"`
	SessionID    string                           `json:"session_id"`
	Mode         rotation.Mode                    `json:"mode"`
	VRAMFallback bool                             `json:"vram_fallback"`
	Current      *Shown                           `json:"current,omitempty"`
	Pools        map[rotation.Mode]rotation.Stats `json:"pools"`
	LastError    string                           `json:"last_error,omitempty"`
	LastErrorKey string                           `json:"last_error_class,omitempty"`
	Cache        *rendition.Stats                 `json:"cache,omitempty"`
	Preload      []preload.Job                    `json:"preload,omitempty"`
	Profile      *hardware.Profile                `json:"profile,omitempty"`
	LockFilePath string                           `json:"lock_file_path"`
}

// Pool is the detailed view of one rotation pool.
type Pool struct {
	Mode         rotation.Mode   `json:"mode"`
	Dir          string          `json:"dir"`
	Stats        rotation.Stats  `json:"stats"`
	Items        []rotation.Item `json:"items"`
	Last         *Shown          `json:"last,omitempty"`
	PersistError string          `json:"persist_error,omitempty"`
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	status := Status{
		Running:      d.running.Load(),
		SessionID:    d.sessionID,
		Mode:         d.mode,
		VRAMFallback: d.vramFallback,
		Pools:        make(map[rotation.Mode]rotation.Stats, len(d.engines)),
		LockFilePath: d.lockPath,
	}
	if shown, ok := d.last[d.mode]; ok {
		status.Current = &shown
	}
	if d.lastErr != nil {
		status.LastError = d.lastErr.Error()
		status.LastErrorKey = services.Classify(d.lastErr)
	}
	cache := d.cache
	queue := d.preload
	d.mu.Unlock()

	for mode, engine := range d.engines {
		status.Pools[mode] = engine.Stats()
	}
	if cache != nil {
		if stats, err := cache.Stats(); err == nil {
			status.Cache = &stats
		}
	}
	if queue != nil {
		status.Preload = queue.Snapshot()
	}
	if d.cfg.VideoOptimization.Enabled {
		if profile, err := d.detector.Probe(ctx); err == nil {
			status.Profile = &profile
		}
	}
	return status
}

// Pool returns the weight listing for mode.
func (d *Daemon) Pool(mode rotation.Mode) (Pool, error) {
	engine, ok := d.engines[mode]
	if !ok {
		return Pool{}, services.Wrap(services.ErrValidation, "daemon", "pool", "unknown mode "+string(mode), nil)
	}
	pool := Pool{
		Mode:  mode,
		Dir:   d.dirs[mode],
		Stats: engine.Stats(),
		Items: engine.Items(),
	}
	if err := engine.LastPersistError(); err != nil {
		pool.PersistError = err.Error()
	}
	d.mu.Lock()
	if shown, ok := d.last[mode]; ok {
		pool.Last = &shown
	}
	d.mu.Unlock()
	return pool, nil
}

// CacheStats reports rendition cache usage and entries, most recent first.
func (d *Daemon) CacheStats() (rendition.Stats, []rendition.Entry, error) {
	cache := d.renditionCache()
	if cache == nil {
		return rendition.Stats{}, nil, ErrCacheDisabled
	}
	stats, err := cache.Stats()
	if err != nil {
		return rendition.Stats{}, nil, err
	}
	return stats, cache.Entries(), nil
}

// PruneCache removes every rendition not currently playing.
func (d *Daemon) PruneCache(ctx context.Context) (rendition.PruneResult, error) {
	cache := d.renditionCache()
	if cache == nil {
		return rendition.PruneResult{}, ErrCacheDisabled
	}
	return cache.Prune(ctx)
}

// WarmProgress reports one finished warm-up encode.
type WarmProgress struct {
	Done   int
	Total  int
	Source string
	Output string
	Err    error
}

// WarmCache encodes the top count video candidates synchronously, reporting
// each result through progress. Failures are reported and skipped.
func (d *Daemon) WarmCache(ctx context.Context, count int, progress func(WarmProgress)) (int, error) {
	cache := d.renditionCache()
	if cache == nil {
		return 0, ErrCacheDisabled
	}
	params, err := d.EncodeParams(ctx)
	if err != nil {
		return 0, err
	}
	candidates := d.engines[rotation.ModeVideo].PeekCandidates(count)
	encoded := 0
	for i, item := range candidates {
		if err := ctx.Err(); err != nil {
			return encoded, err
		}
		output, err := cache.GetOrEncode(ctx, item.Path, params)
		if err == nil && output != item.Path {
			encoded++
		}
		if progress != nil {
			progress(WarmProgress{Done: i + 1, Total: len(candidates), Source: item.Path, Output: output, Err: err})
		}
	}
	return encoded, nil
}

// TriggerPreload runs one preload tick now and reports how many jobs it queued.
func (d *Daemon) TriggerPreload(ctx context.Context) (int, error) {
	d.mu.Lock()
	queue := d.preload
	d.mu.Unlock()
	if queue == nil {
		return 0, ErrCacheDisabled
	}
	return queue.Tick(ctx)
}

func (d *Daemon) renditionCache() *rendition.Cache {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache
}

// PreloadJobs returns a snapshot of the preload queue, or nil when disabled.
func (d *Daemon) PreloadJobs() []preload.Job {
	d.mu.Lock()
	queue := d.preload
	d.mu.Unlock()
	if queue == nil {
		return nil
	}
	return queue.Snapshot()
}
