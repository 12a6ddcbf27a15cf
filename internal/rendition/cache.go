package rendition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"reel/internal/logging"
	"reel/internal/media/ffprobe"
	"reel/internal/services"
	"reel/internal/transcode"
)

var (
	// ErrOverBudget is returned when a rendition cannot fit in the cache budget.
	ErrOverBudget = errors.New("rendition: exceeds cache budget")
	// ErrNotCached is returned when no usable rendition exists for a key.
	ErrNotCached = errors.New("rendition: not cached")
)

// Encoder produces a rendition file at dst.
type Encoder interface {
	Encode(ctx context.Context, src, dst string, p transcode.Params) error
}

// Prober reads the geometry of a source video.
type Prober interface {
	Geometry(ctx context.Context, path string) (ffprobe.Geometry, error)
}

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Options configures a Cache. A nil Prober uses ffprobe from PATH.
type Options struct {
	Dir         string
	IndexPath   string
	BudgetBytes int64
	Encoder     Encoder
	Prober      Prober
	Logger      *slog.Logger
	Now         func() time.Time
}

// Cache maps sources to renditions under a byte budget.
type Cache struct {
	dir     string
	budget  int64
	idx     *index
	encoder Encoder
	prober  Prober
	logger  *slog.Logger
	now     func() time.Time
	statfs  statfsFunc

	mu       sync.Mutex
	entries  map[Key]*Entry
	pins     map[string]int
	seq      int64
	inflight map[Key]*flight
}

type flight struct {
	done chan struct{}
	path string
	err  error
}

// Stats describes current cache usage.
type Stats struct {
	Dir          string  `json:"dir"`
	Entries      int     `json:"entries"`
	Pinned       int     `json:"pinned"`
	TotalBytes   int64   `json:"total_bytes"`
	BudgetBytes  int64   `json:"budget_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
}

// ReconcileResult summarizes a startup reconciliation pass.
type ReconcileResult struct {
	DroppedRows    int   `json:"dropped_rows"`
	RemovedOrphans int   `json:"removed_orphans"`
	RemovedParts   int   `json:"removed_parts"`
	Evicted        int   `json:"evicted"`
	FreedBytes     int64 `json:"freed_bytes"`
}

// PruneResult summarizes a manual prune.
type PruneResult struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
	Pinned     int   `json:"pinned"`
}

// Open loads the index under opts.Dir, creating it when missing. An index
// written by another schema version is discarded; Reconcile then removes the
// renditions it referenced.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("rendition: cache dir is empty")
	}
	if opts.BudgetBytes <= 0 {
		return nil, fmt.Errorf("rendition: budget must be positive, got %d", opts.BudgetBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rendition: ensure cache dir: %w", err)
	}
	indexPath := strings.TrimSpace(opts.IndexPath)
	if indexPath == "" {
		indexPath = filepath.Join(dir, "index.db")
	}
	logger := logging.NewComponentLogger(opts.Logger, "rendition")

	idx, err := openIndex(ctx, indexPath)
	if errors.Is(err, ErrSchemaMismatch) {
		logging.WarnWithContext(logger, "rendition index schema changed; rebuilding", "rendition_index_rebuilt",
			logging.String("index", indexPath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "no action needed"),
			logging.String(logging.FieldImpact, "existing renditions will be re-encoded on demand"),
		)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(indexPath + suffix)
		}
		idx, err = openIndex(ctx, indexPath)
	}
	if err != nil {
		return nil, err
	}

	rows, err := idx.load(ctx)
	if err != nil {
		_ = idx.close()
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prober := opts.Prober
	if prober == nil {
		prober = ffprobe.Prober{}
	}
	c := &Cache{
		dir:      dir,
		budget:   opts.BudgetBytes,
		idx:      idx,
		encoder:  opts.Encoder,
		prober:   prober,
		logger:   logger,
		now:      now,
		statfs:   realStatfs,
		entries:  make(map[Key]*Entry, len(rows)),
		pins:     make(map[string]int),
		inflight: make(map[Key]*flight),
	}
	for i := range rows {
		e := rows[i]
		c.entries[e.Key] = &e
		c.seq = max(c.seq, e.InsertedSeq)
	}
	return c, nil
}

// Close releases the index.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.idx.close()
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Budget returns the byte ceiling.
func (c *Cache) Budget() int64 {
	return c.budget
}

// Contains reports whether a rendition for key is resident without touching
// its recency.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && fileExists(e.Path)
}

// Lookup returns the entry for key and marks it as recently used. Entries
// whose file has disappeared are dropped.
func (c *Cache) Lookup(ctx context.Context, key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(ctx, key)
}

func (c *Cache) lookupLocked(ctx context.Context, key Key) (Entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !fileExists(e.Path) {
		c.dropLocked(ctx, e, false)
		return Entry{}, false
	}
	e.LastUsed = c.now()
	if err := c.idx.touch(ctx, key, e.LastUsed); err != nil {
		c.warnIndexWrite(err)
	}
	return *e, true
}

// Acquire looks up key and pins the rendition so eviction skips it until
// Release is called with the returned path.
func (c *Cache) Acquire(ctx context.Context, key Key) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(ctx, key)
	if !ok {
		return Entry{}, ErrNotCached
	}
	c.pins[e.Path]++
	return e, nil
}

// Release unpins a rendition acquired with Acquire and re-applies the budget.
func (c *Cache) Release(ctx context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch n := c.pins[path]; {
	case n > 1:
		c.pins[path] = n - 1
	case n == 1:
		delete(c.pins, path)
		c.evictLocked(ctx, Key{})
	}
}

// GetOrEncode returns a playable path for source. Sources already within the
// target are returned unchanged; cached renditions are reused; otherwise the
// source is encoded synchronously and inserted. On failure the source path is
// returned alongside the error so callers can fall back to it.
func (c *Cache) GetOrEncode(ctx context.Context, source string, p transcode.Params) (string, error) {
	if p.Encoder == "" || p.Encoder == "none" {
		return source, transcode.ErrNoEncoder
	}
	if _, err := os.Stat(source); err != nil {
		return source, services.Wrap(services.ErrNotFound, "rendition", "stat source", source, err)
	}
	geom, err := c.prober.Geometry(ctx, source)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return source, ctxErr
		}
		return source, services.Wrap(services.ErrValidation, "rendition", "probe", source, err)
	}
	if !NeedsEncode(geom, p) {
		return source, nil
	}

	key := KeyFor(source, p)
	c.mu.Lock()
	for {
		if e, ok := c.lookupLocked(ctx, key); ok {
			c.mu.Unlock()
			return e.Path, nil
		}
		f, ok := c.inflight[key]
		if !ok {
			break
		}
		c.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return source, ctx.Err()
		}
		// Retry when only the owner's context ended the flight.
		if !isContextErr(f.err) || ctx.Err() != nil {
			return f.path, f.err
		}
		c.mu.Lock()
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.path, f.err = c.encode(ctx, key, p)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(f.done)
	return f.path, f.err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) encode(ctx context.Context, key Key, p transcode.Params) (string, error) {
	if c.encoder == nil {
		return key.Source, transcode.ErrNoEncoder
	}
	hash, err := SourceHash(key.Source)
	if err != nil {
		return key.Source, services.Wrap(services.ErrTransient, "rendition", "hash source", key.Source, err)
	}
	dst := filepath.Join(c.dir, FileName(key.Source, p, hash))
	if err := c.encoder.Encode(ctx, key.Source, dst, p); err != nil {
		return key.Source, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return key.Source, services.Wrap(services.ErrTransient, "rendition", "stat output", dst, err)
	}
	if err := c.Insert(ctx, Entry{Key: key, Path: dst, SizeBytes: info.Size()}); err != nil {
		return key.Source, err
	}
	return dst, nil
}

// Insert records a freshly written rendition and evicts least-recently-used
// entries until the total fits the budget. A rendition that cannot fit, either
// because it is larger than the whole budget or because pinned entries hold
// the remainder, is deleted and ErrOverBudget is returned.
func (c *Cache) Insert(ctx context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.SizeBytes > c.budget {
		_ = os.Remove(entry.Path)
		logging.WarnWithContext(c.logger, "rendition larger than cache budget; serving original", "rendition_over_budget",
			logging.String(logging.FieldPath, entry.Source),
			logging.Int64("size_bytes", entry.SizeBytes),
			logging.Int64("budget_bytes", c.budget),
			logging.String(logging.FieldErrorHint, "raise video_optimization.max_cache_size_mb or lower target_resolution"),
			logging.String(logging.FieldImpact, "the source video is played without re-encoding"),
		)
		return services.Wrap(services.ErrValidation, "rendition", "insert", entry.Path, ErrOverBudget)
	}
	if held := c.pinnedBytesLocked(entry.Key, entry.Path); held+entry.SizeBytes > c.budget {
		_ = os.Remove(entry.Path)
		logging.WarnWithContext(c.logger, "rendition does not fit beside in-use renditions; serving original", "rendition_over_budget_pinned",
			logging.String(logging.FieldPath, entry.Source),
			logging.Int64("size_bytes", entry.SizeBytes),
			logging.Int64("pinned_bytes", held),
			logging.Int64("budget_bytes", c.budget),
			logging.String(logging.FieldErrorHint, "raise video_optimization.max_cache_size_mb; the rendition is re-encoded once space frees up"),
			logging.String(logging.FieldImpact, "the source video is played without re-encoding"),
		)
		return services.Wrap(services.ErrValidation, "rendition", "insert", entry.Path, ErrOverBudget)
	}

	for key, other := range c.entries {
		if other.Path == entry.Path && key != entry.Key {
			c.dropLocked(ctx, other, false)
		}
	}
	if old, ok := c.entries[entry.Key]; ok && old.Path != entry.Path && c.pins[old.Path] == 0 {
		_ = os.Remove(old.Path)
	}

	c.seq++
	entry.InsertedSeq = c.seq
	entry.LastUsed = c.now()
	if err := c.idx.upsert(ctx, entry); err != nil {
		c.warnIndexWrite(err)
	}
	c.entries[entry.Key] = &entry
	c.logger.Debug("rendition cached",
		logging.String(logging.FieldPath, entry.Source),
		logging.String("rendition", entry.Path),
		logging.Int64("size_bytes", entry.SizeBytes),
	)
	c.evictLocked(ctx, entry.Key)
	return nil
}

// evictLocked removes least-recently-used, unpinned entries other than keep
// until the total fits the budget.
func (c *Cache) evictLocked(ctx context.Context, keep Key) (int, int64) {
	total := c.totalLocked()
	if total <= c.budget {
		return 0, 0
	}
	var (
		evicted int
		freed   int64
		pinned  int
	)
	for _, e := range c.lruLocked() {
		if total <= c.budget {
			break
		}
		if e.Key == keep {
			continue
		}
		if c.pins[e.Path] > 0 {
			pinned++
			continue
		}
		c.dropLocked(ctx, e, true)
		total -= e.SizeBytes
		freed += e.SizeBytes
		evicted++
		c.logger.Info("evicted rendition",
			logging.String(logging.FieldPath, e.Source),
			logging.String("rendition", e.Path),
			logging.Int64("size_bytes", e.SizeBytes),
		)
	}
	if total > c.budget {
		logging.WarnWithContext(c.logger, "rendition cache over budget while entries are in use", "rendition_cache_pinned_over_budget",
			logging.Int64("total_bytes", total),
			logging.Int64("budget_bytes", c.budget),
			logging.Int("pinned", pinned),
			logging.String(logging.FieldErrorHint, "eviction resumes when the playing rendition is released"),
			logging.String(logging.FieldImpact, "cache temporarily exceeds its budget"),
		)
	}
	return evicted, freed
}

// dropLocked removes e from memory and the index, deleting its file when removeFile is set.
func (c *Cache) dropLocked(ctx context.Context, e *Entry, removeFile bool) {
	if removeFile {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(c.logger, "failed to delete rendition file", "rendition_delete_failed",
				logging.String("rendition", e.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check cache directory permissions"),
				logging.String(logging.FieldImpact, "orphaned file is removed on next reconcile"),
			)
		}
	}
	if err := c.idx.remove(ctx, e.Key); err != nil {
		c.warnIndexWrite(err)
	}
	delete(c.entries, e.Key)
}

// lruLocked returns entries ordered least recently used first, ties by insertion order.
func (c *Cache) lruLocked() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.Before(out[j].LastUsed)
		}
		return out[i].InsertedSeq < out[j].InsertedSeq
	})
	return out
}

// pinnedBytesLocked sums pinned entries that would survive inserting key at path.
func (c *Cache) pinnedBytesLocked(key Key, path string) int64 {
	var held int64
	for k, e := range c.entries {
		if k == key || e.Path == path || c.pins[e.Path] == 0 {
			continue
		}
		held += e.SizeBytes
	}
	return held
}

func (c *Cache) totalLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.SizeBytes
	}
	return total
}

// Reconcile brings the index and directory back in sync and re-applies the budget.
func (c *Cache) Reconcile(ctx context.Context) (ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result ReconcileResult
	known := make(map[string]struct{}, len(c.entries))
	for _, e := range c.lruLocked() {
		info, err := os.Stat(e.Path)
		if err != nil || !info.Mode().IsRegular() {
			c.dropLocked(ctx, e, false)
			result.DroppedRows++
			continue
		}
		if info.Size() != e.SizeBytes {
			e.SizeBytes = info.Size()
			if err := c.idx.updateSize(ctx, e.Key, e.SizeBytes); err != nil {
				c.warnIndexWrite(err)
			}
		}
		known[e.Path] = struct{}{}
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return result, fmt.Errorf("rendition: list cache dir: %w", err)
	}
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		path := filepath.Join(c.dir, name)
		switch {
		case strings.HasSuffix(name, transcode.PartSuffix):
			if os.Remove(path) == nil {
				result.RemovedParts++
			}
		case strings.EqualFold(filepath.Ext(name), ".mp4"):
			if _, ok := known[path]; ok {
				continue
			}
			if os.Remove(path) == nil {
				result.RemovedOrphans++
			}
		}
	}

	result.Evicted, result.FreedBytes = c.evictLocked(ctx, Key{})
	if result != (ReconcileResult{}) {
		c.logger.Info("rendition cache reconciled",
			logging.Int("dropped_rows", result.DroppedRows),
			logging.Int("removed_orphans", result.RemovedOrphans),
			logging.Int("removed_parts", result.RemovedParts),
			logging.Int("evicted", result.Evicted),
		)
	}
	return result, nil
}

// Prune removes every rendition that is not currently pinned.
func (c *Cache) Prune(ctx context.Context) (PruneResult, error) {
	if err := ctx.Err(); err != nil {
		return PruneResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var result PruneResult
	for _, e := range c.lruLocked() {
		if c.pins[e.Path] > 0 {
			result.Pinned++
			continue
		}
		c.dropLocked(ctx, e, true)
		result.Removed++
		result.FreedBytes += e.SizeBytes
	}
	c.logger.Info("rendition cache pruned",
		logging.Int("removed", result.Removed),
		logging.Int64("freed_bytes", result.FreedBytes),
		logging.Int("pinned", result.Pinned),
	)
	return result, nil
}

// Entries returns resident renditions, most recently used first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	lru := c.lruLocked()
	out := make([]Entry, 0, len(lru))
	for i := len(lru) - 1; i >= 0; i-- {
		out = append(out, *lru[i])
	}
	return out
}

// Stats returns cache usage and filesystem free-space info.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	s := Stats{
		Dir:         c.dir,
		Entries:     len(c.entries),
		Pinned:      len(c.pins),
		TotalBytes:  c.totalLocked(),
		BudgetBytes: c.budget,
	}
	c.mu.Unlock()

	totalFS, freeFS, err := c.statfs(c.dir)
	if err != nil {
		return s, fmt.Errorf("rendition: statfs: %w", err)
	}
	s.TotalFSBytes = totalFS
	s.FreeBytes = freeFS
	s.FreeRatio = 1.0
	if totalFS > 0 {
		s.FreeRatio = float64(freeFS) / float64(totalFS)
	}
	return s, nil
}

func (c *Cache) warnIndexWrite(err error) {
	logging.WarnWithContext(c.logger, "rendition index write failed", "rendition_index_write_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check free space and permissions on the cache directory"),
		logging.String(logging.FieldImpact, "the in-memory cache stays consistent; the index is repaired on next start"),
	)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
