package watch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mockupforge/internal/domain"
)

// Runner executes one job end to end. Both return paths mean the watcher is
// done with the job: started=false when another worker won the claim.
type Runner interface {
	Execute(ctx context.Context, jobID string) (started bool, err error)
	Resume(ctx context.Context, jobID string, cutoff time.Time) (started bool, err error)
}

// Options configures a Watcher.
type Options struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
	Concurrency  int
	BatchSize    int
}

// Watcher polls the job table for PENDING work and for PROCESSING jobs whose
// lease went stale, and hands both to the runner under a concurrency cap.
// Claim-time locking in the repository makes duplicate notifications
// harmless, so the watcher only needs to avoid racing against itself within
// one process.
type Watcher struct {
	jobs   domain.JobRepository
	runner Runner
	opts   Options
	logger zerolog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}

	wg sync.WaitGroup
}

func New(jobs domain.JobRepository, runner Runner, opts Options, logger zerolog.Logger) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = opts.Concurrency * 2
	}
	return &Watcher{
		jobs:     jobs,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		inFlight: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to finish.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.opts.PollInterval).
		Int("concurrency", w.opts.Concurrency).
		Msg("watcher started")

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watcher draining")
			w.wg.Wait()
			w.logger.Info().Msg("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	pending, err := w.jobs.ListPending(ctx, w.opts.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("list pending jobs failed")
	} else {
		for _, id := range pending {
			w.dispatch(ctx, id, false)
		}
	}

	cutoff := time.Now().Add(-w.opts.StaleAfter)
	stale, err := w.jobs.ListStale(ctx, cutoff, w.opts.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("list stale jobs failed")
		return
	}
	for _, id := range stale {
		w.dispatch(ctx, id, true)
	}
}

// dispatch starts one job in a goroutine if it is not already running in
// this process and a worker slot is available.
func (w *Watcher) dispatch(ctx context.Context, jobID string, stale bool) {
	w.mu.Lock()
	if _, running := w.inFlight[jobID]; running {
		w.mu.Unlock()
		return
	}
	w.inFlight[jobID] = struct{}{}
	w.mu.Unlock()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.release(jobID)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer w.release(jobID)

		var (
			started bool
			err     error
		)
		if stale {
			started, err = w.runner.Resume(ctx, jobID, time.Now().Add(-w.opts.StaleAfter))
		} else {
			started, err = w.runner.Execute(ctx, jobID)
		}
		switch {
		case err != nil:
			w.logger.Warn().Err(err).Str("job_id", jobID).Bool("stale", stale).Msg("job finished with error")
		case !started:
			w.logger.Debug().Str("job_id", jobID).Msg("job claimed elsewhere")
		}
	}()
}

func (w *Watcher) release(jobID string) {
	w.mu.Lock()
	delete(w.inFlight, jobID)
	w.mu.Unlock()
}
