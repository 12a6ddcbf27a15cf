package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"reel/internal/fileutil"
)

// ErrSnapshotCorrupt marks a snapshot that exists but cannot be decoded.
var ErrSnapshotCorrupt = errors.New("rotation: weight snapshot corrupt")

// Snapshot is the persisted state of one pool.
type Snapshot struct {
	Generation uint64                   `json:"generation"`
	Items      map[string]SnapshotEntry `json:"items"`
}

// SnapshotEntry is the per-path record inside a Snapshot.
type SnapshotEntry struct {
	Weight         float64   `json:"weight"`
	SkipStreak     int       `json:"skip_streak"`
	LastSelectedAt time.Time `json:"last_selected_at,omitzero"`
}

// Persister loads and saves pool snapshots.
type Persister interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// FileStore persists snapshots as JSON, rewriting the whole file through a
// temp file and rename. An advisory lock file serializes writers across
// processes.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore returns a store writing to path; the lock lives at path+".lock".
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the snapshot location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. The boolean is false when no snapshot exists.
func (s *FileStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read weight snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, true, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if snap.Items == nil {
		snap.Items = map[string]SnapshotEntry{}
	}
	return snap, true, nil
}

// Save writes the snapshot atomically.
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock weight snapshot: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock weight snapshot: %s held by another writer", s.lock.Path())
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode weight snapshot: %w", err)
	}
	if err := fileutil.WriteAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write weight snapshot: %w", err)
	}
	return nil
}

func snapshotOf(items []Item, generation uint64) Snapshot {
	snap := Snapshot{Generation: generation, Items: make(map[string]SnapshotEntry, len(items))}
	for _, item := range items {
		snap.Items[item.Path] = SnapshotEntry{
			Weight:         item.Weight,
			SkipStreak:     item.SkipStreak,
			LastSelectedAt: item.LastSelectedAt,
		}
	}
	return snap
}

func itemsOf(snap Snapshot) []Item {
	items := make([]Item, 0, len(snap.Items))
	for path, entry := range snap.Items {
		items = append(items, Item{
			Path:           path,
			Weight:         math.Max(0, entry.Weight),
			SkipStreak:     max(0, entry.SkipStreak),
			LastSelectedAt: entry.LastSelectedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items
}
