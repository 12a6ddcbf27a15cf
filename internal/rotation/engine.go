package rotation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"reel/internal/logging"
	"reel/internal/services"
)

// Selection describes one completed pick.
type Selection struct {
	Path            string    `json:"path"`
	Weight          float64   `json:"weight"`
	Generation      uint64    `json:"generation"`
	SelectedAt      time.Time `json:"selected_at"`
	Reshuffled      int       `json:"reshuffled"`
	NormalizeFactor float64   `json:"normalize_factor"`
	PersistErr      error     `json:"-"`
}

// Stats summarizes a pool.
type Stats struct {
	Mode       Mode    `json:"mode"`
	Count      int     `json:"count"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Avg        float64 `json:"avg"`
	Sum        float64 `json:"sum"`
	TotalSkips int     `json:"total_skips"`
	Generation uint64  `json:"generation"`
}

// Engine owns one rotation pool. All methods are safe for concurrent use.
type Engine struct {
	mode      Mode
	params    Params
	updater   Updater
	selector  Selector
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.RWMutex
	rng            Rand
	items          []Item
	generation     uint64
	lastPersistErr error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand injects the randomness source.
func WithRand(rng Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// WithPersister sets the snapshot backend. Without one the pool lives only in memory.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now for LastSelectedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an empty engine for mode.
func NewEngine(mode Mode, params Params, opts ...Option) *Engine {
	e := &Engine{
		mode:     mode,
		params:   params,
		updater:  Updater{Params: params},
		selector: NewSelector(params),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "rotation").With(logging.String(logging.FieldMode, string(mode)))
	return e
}

// Mode reports which pool this engine serves.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Load restores the persisted snapshot. A missing or corrupt snapshot leaves
// the pool empty so the next Rescan seeds it from file ages; only context
// cancellation is returned as an error.
func (e *Engine) Load(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	snap, found, err := e.persister.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		eventType := "weight_snapshot_unreadable"
		if errors.Is(err, ErrSnapshotCorrupt) {
			eventType = "weight_snapshot_corrupt"
		}
		logging.WarnWithContext(e.logger, "weight snapshot ignored; rebuilding from scan", eventType,
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the next rescan reseeds weights from file ages"),
			logging.String(logging.FieldImpact, "rotation history is lost"),
		)
		found = false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !found {
		e.items = nil
		e.generation = 0
		return nil
	}
	e.items = itemsOf(snap)
	e.generation = snap.Generation
	e.logger.Info("weight snapshot loaded",
		logging.Int("items", len(e.items)),
		logging.Int64("generation", int64(e.generation)),
	)
	return nil
}

// Next selects an item, charges it the penalty, advances the generation,
// reshuffles when due, renormalizes, and persists. A persistence failure does
// not undo the pick; it is logged and reported through Selection.PersistErr.
func (e *Engine) Next(ctx context.Context) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.selector.Select(e.items, e.rng)
	if err != nil {
		return Selection{}, err
	}
	e.updater.Apply(e.items, idx)
	selectedAt := e.now()
	e.items[idx].LastSelectedAt = selectedAt
	e.generation++

	sel := Selection{
		Path:            e.items[idx].Path,
		Generation:      e.generation,
		SelectedAt:      selectedAt,
		NormalizeFactor: 1,
	}
	if e.updater.ShuffleDue(e.generation) {
		touched := e.updater.Reshuffle(e.items, e.rng)
		sel.Reshuffled = len(touched)
		e.logger.Info("periodic reshuffle",
			logging.Int("reset", len(touched)),
			logging.Int64("generation", int64(e.generation)),
		)
	}
	if factor := e.updater.Normalize(e.items); factor != 1 {
		sel.NormalizeFactor = factor
		e.logger.Info("weights renormalized", logging.Float64("factor", factor))
	}
	sel.Weight = e.items[idx].Weight
	sel.PersistErr = e.persistLocked(ctx)

	e.logger.Debug("item selected",
		logging.String(logging.FieldPath, sel.Path),
		logging.Float64("weight", sel.Weight),
		logging.Int64("generation", int64(sel.Generation)),
	)
	return sel, nil
}

// Rescan merges a directory scan into the pool and persists the result.
func (e *Engine) Rescan(ctx context.Context, files []FileInfo) (ReconcileSummary, error) {
	if err := ctx.Err(); err != nil {
		return ReconcileSummary{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	merged := Reconcile(e.items, files, e.params.Base)
	summary := summarize(e.items, merged)
	e.items = merged
	summary.PersistErr = e.persistLocked(ctx)

	e.logger.Info("pool rescanned",
		logging.Int("kept", summary.Kept),
		logging.Int("added", summary.Added),
		logging.Int("removed", summary.Removed),
	)
	return summary, nil
}

// PeekCandidates returns up to k items with the highest raw weight, ties broken
// by path. It does not mutate the pool.
func (e *Engine) PeekCandidates(k int) []Item {
	if k <= 0 {
		return nil
	}
	items := e.Items()
	if k > len(items) {
		k = len(items)
	}
	return items[:k]
}

// Items returns a copy of the pool ordered by weight descending, then path.
func (e *Engine) Items() []Item {
	e.mu.RLock()
	items := cloneItems(e.items)
	e.mu.RUnlock()
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Weight != items[j].Weight {
			return items[i].Weight > items[j].Weight
		}
		return items[i].Path < items[j].Path
	})
	return items
}

// Len reports the pool size.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.items)
}

// Stats summarizes the pool.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Stats{Mode: e.mode, Count: len(e.items), Generation: e.generation}
	if len(e.items) == 0 {
		return stats
	}
	stats.Min, stats.Max = e.items[0].Weight, e.items[0].Weight
	for _, item := range e.items {
		stats.Sum += item.Weight
		stats.Min = min(stats.Min, item.Weight)
		stats.Max = max(stats.Max, item.Weight)
		stats.TotalSkips += item.SkipStreak
	}
	stats.Avg = stats.Sum / float64(len(e.items))
	return stats
}

// LastPersistError returns the most recent snapshot save failure, or nil once
// a later save succeeds.
func (e *Engine) LastPersistError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPersistErr
}

func (e *Engine) persistLocked(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	err := e.persister.Save(ctx, snapshotOf(e.items, e.generation))
	e.lastPersistErr = err
	if err != nil {
		err = services.Wrap(services.ErrTransient, "rotation", "persist", "weight snapshot save failed", err)
		e.lastPersistErr = err
		logging.WarnWithContext(e.logger, "weight snapshot save failed; keeping in-memory state", "weight_snapshot_save_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions and free space"),
			logging.String(logging.FieldImpact, "weights since the last good save are lost on restart"),
		)
	}
	return err
}
