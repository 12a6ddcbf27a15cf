package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reel/internal/logging"
	"reel/internal/rendition"
	"reel/internal/rotation"
	"reel/internal/services"
	"reel/internal/transcode"
)

// State is the lifecycle position of a preload job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

const (
	historyLimit        = 50
	maxRetryableFailure = 3
)

// Job is one background encode.
type Job struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Key        rendition.Key `json:"key"`
	State      State         `json:"state"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`

	params transcode.Params
	cancel context.CancelFunc
}

// CandidateSource ranks upcoming selections.
type CandidateSource interface {
	PeekCandidates(k int) []rotation.Item
}

// Cache is the subset of the rendition cache the queue drives.
type Cache interface {
	Contains(key rendition.Key) bool
	GetOrEncode(ctx context.Context, source string, p transcode.Params) (string, error)
}

// ParamsFunc returns the current encode target.
type ParamsFunc func(ctx context.Context) (transcode.Params, error)

// Options configures a Queue. OnGiveUp is called, without the queue lock
// held, when a source will no longer be retried.
type Options struct {
	Count           int
	Interval        time.Duration
	StartsPerMinute int
	Logger          *slog.Logger
	OnGiveUp        func(source string, err error)
}

// Queue is a bounded background encode pool.
type Queue struct {
	source   CandidateSource
	cache    Cache
	params   ParamsFunc
	capacity int
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
	onGiveUp func(source string, err error)

	mu       sync.Mutex
	pending  chan *Job
	active   map[string]*Job
	history  []*Job
	settled  map[rendition.Key]struct{}
	failures map[rendition.Key]int
	paused   bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a queue. A Count of zero disables preloading; Tick then does nothing.
func New(source CandidateSource, cache Cache, params ParamsFunc, opts Options) *Queue {
	capacity := max(opts.Count, 0)
	limit := rate.Inf
	if opts.StartsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.StartsPerMinute))
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Queue{
		source:   source,
		cache:    cache,
		params:   params,
		capacity: capacity,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logging.NewComponentLogger(opts.Logger, "preload"),
		now:      time.Now,
		onGiveUp: opts.OnGiveUp,
		pending:  make(chan *Job, max(capacity, 1)),
		active:   make(map[string]*Job),
		settled:  make(map[rendition.Key]struct{}),
		failures: make(map[rendition.Key]int),
	}
}

// Start launches the workers and the periodic Tick loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("preload queue already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.wg.Add(q.capacity + 1)
	q.mu.Unlock()

	for range q.capacity {
		go q.worker(runCtx)
	}
	go q.loop(runCtx)
	return nil
}

// Stop cancels in-flight encodes and waits for every worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.CancelAll("shutdown")
}

// SetPaused stops Tick from enqueuing new work. Running jobs are unaffected;
// use CancelAll to stop them.
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		if _, err := q.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(q.logger, "preload tick failed", "preload_tick_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check hardware probe output with reel deps"),
				logging.String(logging.FieldImpact, "upcoming videos play unoptimized until the next tick"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues encodes for top-ranked candidates that are not cache-resident,
// not already queued or running, and not settled. It never lets queued plus
// running jobs exceed the configured count.
func (q *Queue) Tick(ctx context.Context) (int, error) {
	q.mu.Lock()
	paused := q.paused
	q.mu.Unlock()
	if paused || q.capacity == 0 || q.source == nil {
		return 0, nil
	}
	p, err := q.params(ctx)
	if err != nil {
		return 0, fmt.Errorf("preload: resolve encode params: %w", err)
	}
	if p.Encoder == "" || p.Encoder == "none" {
		q.logger.Debug("preload skipped; no encoder available")
		return 0, nil
	}

	candidates := q.source.PeekCandidates(q.capacity)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	enqueued := 0
	for _, item := range candidates {
		if len(q.active) >= q.capacity {
			break
		}
		key := rendition.KeyFor(item.Path, p)
		if _, ok := q.settled[key]; ok {
			continue
		}
		if _, ok := q.active[item.Path]; ok {
			continue
		}
		if q.cache.Contains(key) {
			continue
		}
		job := &Job{
			ID:        uuid.NewString(),
			Source:    item.Path,
			Key:       key,
			State:     StateQueued,
			CreatedAt: q.now(),
			params:    p,
		}
		q.active[item.Path] = job
		q.recordLocked(job)
		q.pending <- job
		enqueued++
		q.logger.Debug("preload job queued",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldPath, job.Source),
		)
	}
	return enqueued, nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.pending:
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(services.WithJobID(ctx, job.ID))
	defer cancel()

	q.mu.Lock()
	if job.State != StateQueued {
		q.mu.Unlock()
		return
	}
	job.cancel = cancel
	q.mu.Unlock()

	if err := q.limiter.Wait(jobCtx); err != nil {
		q.finish(jobCtx, job, "", err)
		return
	}

	q.mu.Lock()
	if job.State != StateQueued {
		q.mu.Unlock()
		return
	}
	job.State = StateRunning
	job.StartedAt = q.now()
	q.mu.Unlock()

	logger := q.logger.With(logging.String(logging.FieldJobID, job.ID))
	logger.Info("preload encode started", logging.String(logging.FieldPath, job.Source))
	output, err := q.cache.GetOrEncode(jobCtx, job.Source, job.params)
	q.finish(jobCtx, job, output, err)
}

func (q *Queue) finish(jobCtx context.Context, job *Job, output string, err error) {
	gaveUp := false
	defer func() {
		if gaveUp && q.onGiveUp != nil {
			q.onGiveUp(job.Source, err)
		}
	}()
	q.mu.Lock()
	defer q.mu.Unlock()

	job.FinishedAt = q.now()
	job.cancel = nil
	if q.active[job.Source] == job {
		delete(q.active, job.Source)
	}
	logger := q.logger.With(logging.String(logging.FieldJobID, job.ID), logging.String(logging.FieldPath, job.Source))

	switch {
	case job.State == StateCancelled || jobCtx.Err() != nil:
		job.State = StateCancelled
		if job.Error == "" {
			job.Error = context.Canceled.Error()
		}
		logger.Info("preload job cancelled")
	case err != nil:
		job.State = StateFailed
		job.Error = err.Error()
		q.failures[job.Key]++
		permanent := !services.Retryable(err) || q.failures[job.Key] >= maxRetryableFailure
		if permanent {
			q.settled[job.Key] = struct{}{}
			gaveUp = true
		}
		logging.WarnWithContext(logger, "preload encode failed", "preload_failed",
			logging.Error(err),
			logging.String("error_class", services.Classify(err)),
			logging.Bool("permanent", permanent),
			logging.String(logging.FieldErrorHint, "run reel cache warm on the file to see ffmpeg output"),
			logging.String(logging.FieldImpact, "the original file is played instead"),
		)
	default:
		job.State = StateDone
		job.Output = output
		q.settled[job.Key] = struct{}{}
		delete(q.failures, job.Key)
		logger.Info("preload job finished",
			logging.String("output", output),
			logging.Bool("encoded", output != job.Source),
		)
	}
}

// CancelAll cancels queued and running jobs.
func (q *Queue) CancelAll(reason string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for source, job := range q.active {
		switch job.State {
		case StateQueued, StateRunning:
			job.State = StateCancelled
			job.Error = reason
			job.FinishedAt = q.now()
			if job.cancel != nil {
				job.cancel()
			}
			cancelled++
		}
		delete(q.active, source)
	}
drain:
	for {
		select {
		case <-q.pending:
		default:
			break drain
		}
	}
	if cancelled > 0 {
		q.logger.Info("preload jobs cancelled", logging.Int("count", cancelled), logging.String("reason", reason))
	}
	return cancelled
}

// Forget clears settled and failure bookkeeping so every candidate is
// reconsidered, for example after the encode target changes.
func (q *Queue) Forget() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.settled)
	clear(q.failures)
}

// Snapshot returns recent jobs, newest first.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.history))
	for i := len(q.history) - 1; i >= 0; i-- {
		j := *q.history[i]
		j.cancel = nil
		out = append(out, j)
	}
	return out
}

// Active returns the number of queued or running jobs.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *Queue) recordLocked(job *Job) {
	q.history = append(q.history, job)
	if len(q.history) > historyLimit {
		q.history = q.history[len(q.history)-historyLimit:]
	}
}
