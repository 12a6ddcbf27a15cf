package preload_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reel/internal/logging"
	"reel/internal/preload"
	"reel/internal/rendition"
	"reel/internal/rotation"
	"reel/internal/services"
	"reel/internal/transcode"
)

var target = transcode.Params{Width: 1920, Height: 1080, FPS: 30, Encoder: "libx264", CRF: 23}

type fakeSource struct {
	paths []string
}

func (f fakeSource) PeekCandidates(k int) []rotation.Item {
	out := make([]rotation.Item, 0, k)
	for _, p := range f.paths {
		if len(out) == k {
			break
		}
		out = append(out, rotation.Item{Path: p, Weight: 100})
	}
	return out
}

type fakeCache struct {
	mu       sync.Mutex
	resident map[string]bool
	calls    map[string]int
	encode   func(ctx context.Context, source string) (string, error)
}

func newFakeCache(resident ...string) *fakeCache {
	c := &fakeCache{resident: map[string]bool{}, calls: map[string]int{}}
	for _, r := range resident {
		c.resident[r] = true
	}
	return c
}

func (c *fakeCache) Contains(key rendition.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident[key.Source]
}

func (c *fakeCache) GetOrEncode(ctx context.Context, source string, _ transcode.Params) (string, error) {
	c.mu.Lock()
	c.calls[source]++
	c.mu.Unlock()
	if c.encode != nil {
		return c.encode(ctx, source)
	}
	return "/cache/" + source + ".mp4", nil
}

func (c *fakeCache) callCount(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[source]
}

func staticParams(p transcode.Params) preload.ParamsFunc {
	return func(context.Context) (transcode.Params, error) { return p, nil }
}

func newQueue(src preload.CandidateSource, cache preload.Cache, count int) *preload.Queue {
	return preload.New(src, cache, staticParams(target), preload.Options{
		Count:    count,
		Interval: time.Hour,
		Logger:   logging.NewNop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobStates(q *preload.Queue) map[string]preload.State {
	out := map[string]preload.State{}
	for _, j := range q.Snapshot() {
		if _, seen := out[j.Source]; !seen {
			out[j.Source] = j.State
		}
	}
	return out
}

func TestTickSkipsResidentCandidates(t *testing.T) {
	src := fakeSource{paths: []string{"a", "b", "c"}}
	q := newQueue(src, newFakeCache("a", "b"), 3)

	n, err := q.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one job, got %d", n)
	}
	jobs := q.Snapshot()
	if len(jobs) != 1 || jobs[0].Source != "c" || jobs[0].State != preload.StateQueued {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if jobs[0].ID == "" {
		t.Fatal("expected job id")
	}
}

func TestTickNeverExceedsCapacity(t *testing.T) {
	src := fakeSource{paths: []string{"a", "b", "c", "d", "e"}}
	q := newQueue(src, newFakeCache(), 2)

	for range 3 {
		if _, err := q.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if q.Active() > 2 {
			t.Fatalf("active jobs %d exceed capacity", q.Active())
		}
	}
	if got := len(q.Snapshot()); got != 2 {
		t.Fatalf("expected duplicate ticks to be ignored, got %d jobs", got)
	}
}

func TestTickWithoutEncoderDoesNothing(t *testing.T) {
	p := target
	p.Encoder = "none"
	q := preload.New(fakeSource{paths: []string{"a"}}, newFakeCache(), staticParams(p), preload.Options{Count: 3, Logger: logging.NewNop()})
	n, err := q.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected no jobs, got %d err=%v", n, err)
	}
}

func TestTickPropagatesParamsError(t *testing.T) {
	failing := func(context.Context) (transcode.Params, error) { return transcode.Params{}, errors.New("probe broke") }
	q := preload.New(fakeSource{paths: []string{"a"}}, newFakeCache(), failing, preload.Options{Count: 1, Logger: logging.NewNop()})
	if _, err := q.Tick(context.Background()); err == nil {
		t.Fatal("expected params error")
	}
}

func TestTickWithCancelledContextDoesNotEnqueue(t *testing.T) {
	q := newQueue(fakeSource{paths: []string{"a"}}, newFakeCache(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := q.Tick(ctx)
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("expected cancelled tick to enqueue nothing, got %d err=%v", n, err)
	}
	if q.Active() != 0 {
		t.Fatalf("expected no active jobs, got %d", q.Active())
	}
}

func TestPausedQueueDoesNotEnqueue(t *testing.T) {
	q := newQueue(fakeSource{paths: []string{"a"}}, newFakeCache(), 1)
	q.SetPaused(true)
	if n, _ := q.Tick(context.Background()); n != 0 {
		t.Fatalf("expected paused queue to skip, got %d", n)
	}
	q.SetPaused(false)
	if n, _ := q.Tick(context.Background()); n != 1 {
		t.Fatalf("expected resumed queue to enqueue, got %d", n)
	}
}

func TestWorkersCompleteAndSettleJobs(t *testing.T) {
	cache := newFakeCache()
	q := newQueue(fakeSource{paths: []string{"a", "b"}}, cache, 2)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	waitFor(t, "jobs to finish", func() bool {
		states := jobStates(q)
		return states["a"] == preload.StateDone && states["b"] == preload.StateDone
	})
	for _, j := range q.Snapshot() {
		if j.Output != "/cache/"+j.Source+".mp4" {
			t.Fatalf("unexpected output for %s: %q", j.Source, j.Output)
		}
	}

	if n, _ := q.Tick(context.Background()); n != 0 {
		t.Fatalf("expected settled candidates to be skipped, got %d", n)
	}
	if cache.callCount("a") != 1 {
		t.Fatalf("expected a single encode of a, got %d", cache.callCount("a"))
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	cache := newFakeCache()
	cache.encode = func(_ context.Context, source string) (string, error) {
		return source, services.Wrap(services.ErrValidation, "rendition", "probe", source, errors.New("invalid data"))
	}
	q := newQueue(fakeSource{paths: []string{"bad"}}, cache, 1)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	waitFor(t, "job to fail", func() bool { return jobStates(q)["bad"] == preload.StateFailed })
	if n, _ := q.Tick(context.Background()); n != 0 {
		t.Fatalf("expected permanent failure to be settled, got %d new jobs", n)
	}
	jobs := q.Snapshot()
	if jobs[0].Error == "" {
		t.Fatal("expected error text on failed job")
	}
}

func TestRetryableFailureIsRetriedThenSettled(t *testing.T) {
	cache := newFakeCache()
	cache.encode = func(_ context.Context, source string) (string, error) {
		return source, services.Wrap(services.ErrExternalTool, "transcode", "ffmpeg", "exit 1", nil)
	}
	q := newQueue(fakeSource{paths: []string{"flaky"}}, cache, 1)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	waitFor(t, "first failure", func() bool { return cache.callCount("flaky") == 1 && q.Active() == 0 })
	for attempt := 2; attempt <= 3; attempt++ {
		if n, _ := q.Tick(context.Background()); n != 1 {
			t.Fatalf("attempt %d: expected retry to be enqueued, got %d", attempt, n)
		}
		waitFor(t, "retry", func() bool { return cache.callCount("flaky") == attempt && q.Active() == 0 })
	}
	if n, _ := q.Tick(context.Background()); n != 0 {
		t.Fatalf("expected source settled after repeated failures, got %d", n)
	}
}

func TestCancelAllStopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	cache := newFakeCache()
	cache.encode = func(ctx context.Context, source string) (string, error) {
		close(started)
		<-ctx.Done()
		return source, ctx.Err()
	}
	q := newQueue(fakeSource{paths: []string{"long"}}, cache, 1)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("encode never started")
	}
	if n := q.CancelAll("mode switch"); n != 1 {
		t.Fatalf("expected one cancelled job, got %d", n)
	}
	waitFor(t, "job cancelled", func() bool {
		jobs := q.Snapshot()
		return len(jobs) == 1 && jobs[0].State == preload.StateCancelled && !jobs[0].FinishedAt.IsZero()
	})
	if q.Active() != 0 {
		t.Fatalf("expected no active jobs, got %d", q.Active())
	}
}

func TestStopWaitsForWorkers(t *testing.T) {
	cache := newFakeCache()
	cache.encode = func(ctx context.Context, source string) (string, error) {
		<-ctx.Done()
		return source, ctx.Err()
	}
	q := newQueue(fakeSource{paths: []string{"x"}}, cache, 1)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "encode start", func() bool { return cache.callCount("x") == 1 })

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := jobStates(q)["x"]; got != preload.StateCancelled {
		t.Fatalf("expected cancelled job after stop, got %q", got)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	q.Stop()
}

func TestGiveUpHookFiresOncePerSource(t *testing.T) {
	cache := newFakeCache()
	cache.encode = func(_ context.Context, source string) (string, error) {
		return source, services.Wrap(services.ErrValidation, "rendition", "probe", source, errors.New("invalid data"))
	}
	var mu sync.Mutex
	var gaveUp []string
	q := preload.New(fakeSource{paths: []string{"bad"}}, cache, staticParams(target), preload.Options{
		Count:    1,
		Interval: time.Hour,
		Logger:   logging.NewNop(),
		OnGiveUp: func(source string, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				t.Error("expected the encode error")
			}
			gaveUp = append(gaveUp, source)
		},
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	waitFor(t, "give-up hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gaveUp) == 1
	})
	if n, _ := q.Tick(context.Background()); n != 0 {
		t.Fatalf("expected no retry, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gaveUp) != 1 || gaveUp[0] != "bad" {
		t.Fatalf("unexpected give-up calls: %v", gaveUp)
	}
}
