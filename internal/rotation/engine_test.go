package rotation_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reel/internal/rotation"
)

type failingPersister struct {
	saves int
}

func (p *failingPersister) Load(context.Context) (rotation.Snapshot, bool, error) {
	return rotation.Snapshot{}, false, nil
}

func (p *failingPersister) Save(context.Context, rotation.Snapshot) error {
	p.saves++
	return errors.New("disk full")
}

func scanOf(n int) []rotation.FileInfo {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	files := make([]rotation.FileInfo, n)
	for i := range files {
		files[i] = rotation.FileInfo{Path: fmt.Sprintf("/media/clip%02d.mp4", i), ModTime: base.Add(time.Duration(i) * time.Hour)}
	}
	return files
}

func newSeededEngine(t *testing.T, opts ...rotation.Option) *rotation.Engine {
	t.Helper()
	opts = append([]rotation.Option{rotation.WithRand(rand.New(rand.NewPCG(42, 99)))}, opts...)
	return rotation.NewEngine(rotation.ModeVideo, rotation.DefaultParams(), opts...)
}

func TestEngineNextOnEmptyPool(t *testing.T) {
	engine := newSeededEngine(t)
	if _, err := engine.Next(context.Background()); !errors.Is(err, rotation.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestEngineNextPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.json")
	store := rotation.NewFileStore(path)
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	engine := newSeededEngine(t, rotation.WithPersister(store), rotation.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	summary, err := engine.Rescan(ctx, scanOf(5))
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if summary.Added != 5 || summary.PersistErr != nil {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	sel, err := engine.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if sel.PersistErr != nil {
		t.Fatalf("unexpected persist error: %v", sel.PersistErr)
	}
	if sel.Generation != 1 || !sel.SelectedAt.Equal(now) {
		t.Fatalf("unexpected selection: %+v", sel)
	}

	reloaded := newSeededEngine(t, rotation.WithPersister(rotation.NewFileStore(path)))
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Stats().Generation != 1 || reloaded.Len() != 5 {
		t.Fatalf("unexpected reloaded stats: %+v", reloaded.Stats())
	}
	var found bool
	for _, item := range reloaded.Items() {
		if item.Path == sel.Path {
			found = true
			if !item.LastSelectedAt.Equal(now) || item.SkipStreak != 0 {
				t.Fatalf("selected item not restored: %+v", item)
			}
		}
	}
	if !found {
		t.Fatalf("selected path %q missing after reload", sel.Path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file cleaned up, stat err=%v", err)
	}
}

func TestEngineLoadCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine := rotation.NewEngine(rotation.ModeImage, rotation.DefaultParams(), rotation.WithPersister(rotation.NewFileStore(path)))
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("Load should tolerate corruption, got %v", err)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", engine.Len())
	}
	if _, err := engine.Rescan(context.Background(), scanOf(3)); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if engine.Len() != 3 {
		t.Fatalf("expected rescan to rebuild pool, got %d", engine.Len())
	}
}

func TestEnginePersistFailureKeepsSelection(t *testing.T) {
	persister := &failingPersister{}
	engine := newSeededEngine(t, rotation.WithPersister(persister))
	ctx := context.Background()
	summary, _ := engine.Rescan(ctx, scanOf(4))
	if summary.PersistErr == nil {
		t.Fatal("expected rescan to surface persist error")
	}

	before := engine.Stats().Sum
	sel, err := engine.Next(ctx)
	if err != nil {
		t.Fatalf("Next should succeed despite persist failure: %v", err)
	}
	if sel.PersistErr == nil || engine.LastPersistError() == nil {
		t.Fatal("expected persist error to be reported")
	}
	if engine.Stats().Generation != 1 {
		t.Fatalf("expected generation to advance, got %d", engine.Stats().Generation)
	}
	if after := engine.Stats().Sum; !approxEqual(before, after, 1e-9) {
		t.Fatalf("sum changed from %v to %v", before, after)
	}
	if persister.saves != 2 {
		t.Fatalf("expected two save attempts, got %d", persister.saves)
	}
}

func TestEngineRescanReportsChanges(t *testing.T) {
	engine := newSeededEngine(t)
	ctx := context.Background()
	files := scanOf(4)
	if _, err := engine.Rescan(ctx, files); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	next := append([]rotation.FileInfo{}, files[1:]...)
	next = append(next, rotation.FileInfo{Path: "/media/zz.mp4", ModTime: time.Now()})
	summary, err := engine.Rescan(ctx, next)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if summary.Kept != 3 || summary.Added != 1 || summary.Removed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestEnginePeekCandidatesOrdersByWeightThenPath(t *testing.T) {
	engine := newSeededEngine(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Identical mod times give every item the same seed weight.
	files := []rotation.FileInfo{
		{Path: "/m/c.mp4", ModTime: base},
		{Path: "/m/a.mp4", ModTime: base},
		{Path: "/m/b.mp4", ModTime: base},
	}
	if _, err := engine.Rescan(context.Background(), files); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	peek := engine.PeekCandidates(2)
	if len(peek) != 2 || peek[0].Path != "/m/a.mp4" || peek[1].Path != "/m/b.mp4" {
		t.Fatalf("unexpected peek order: %+v", peek)
	}
	if got := engine.PeekCandidates(10); len(got) != 3 {
		t.Fatalf("expected peek clamped to pool size, got %d", len(got))
	}
	if engine.Stats().Generation != 0 {
		t.Fatal("PeekCandidates must not advance generation")
	}
}

func TestEngineReshufflesOnPeriodBoundary(t *testing.T) {
	params := rotation.DefaultParams()
	params.ShufflePeriod = 5
	params.ShuffleIntensity = 0.5
	engine := rotation.NewEngine(rotation.ModeVideo, params, rotation.WithRand(rand.New(rand.NewPCG(5, 6))))
	ctx := context.Background()
	if _, err := engine.Rescan(ctx, scanOf(6)); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	for i := 1; i <= 10; i++ {
		sel, err := engine.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		wantShuffle := 0
		if i%5 == 0 {
			wantShuffle = 3
		}
		if sel.Reshuffled != wantShuffle {
			t.Fatalf("round %d: reshuffled %d want %d", i, sel.Reshuffled, wantShuffle)
		}
	}
}

// Every item must come up within a bounded number of rounds. Simulation puts
// the worst observed wait near 4(N-1), above the often-quoted 2(N-1), so the
// assertion uses 8(N-1) and logs the measurement.
func TestEngineBoundedWait(t *testing.T) {
	for _, n := range []int{2, 5, 10, 20} {
		engine := newSeededEngine(t)
		ctx := context.Background()
		if _, err := engine.Rescan(ctx, scanOf(n)); err != nil {
			t.Fatalf("Rescan: %v", err)
		}
		rounds := 400 * n
		last := map[string]int{}
		maxWait := 0
		for r := 1; r <= rounds; r++ {
			sel, err := engine.Next(ctx)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			prev := last[sel.Path]
			maxWait = max(maxWait, r-prev)
			last[sel.Path] = r
		}
		if len(last) != n {
			t.Fatalf("n=%d: only %d distinct items selected", n, len(last))
		}
		for _, r := range last {
			maxWait = max(maxWait, rounds-r)
		}
		bound := 8 * (n - 1)
		t.Logf("n=%d max wait %d (2(N-1)=%d)", n, maxWait, 2*(n-1))
		if maxWait > bound {
			t.Fatalf("n=%d: max wait %d exceeds %d", n, maxWait, bound)
		}
	}
}
