package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	Concurrency  int
	ClaimBatch   int
	PollInterval time.Duration
	Lease        time.Duration
	Backoff      resilience.Policy
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = 5 * time.Second
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = 10 * time.Minute
	}
	return c
}

// Worker claims jobs and runs them through a Handler with bounded
// concurrency.
type Worker struct {
	store   Store
	handler Handler
	cfg     WorkerConfig
	now     func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(store Store, handler Handler, cfg WorkerConfig) *Worker {
	return &Worker{
		store:   store,
		handler: handler,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			zap.L().Error("worker: poll failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			zap.L().Info("worker: stopped")
			return nil
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			zap.L().Info("worker: stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch of ready jobs and processes them. It returns the
// number of jobs claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.ClaimBatch, w.now(), w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(gctx, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (w *Worker) process(ctx context.Context, job model.QueuedJob) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("key", job.Key),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempts),
	)
	start := time.Now()

	err := w.run(ctx, job)
	if err == nil {
		if cErr := w.store.CompleteJob(ctx, job.ID); cErr != nil {
			log.Error("worker: mark done failed", zap.Error(cErr))
		}
		log.Info("worker: job done", zap.Duration("elapsed", time.Since(start)))
		return
	}

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		log.Error("worker: job dead-lettered", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		if kErr := w.store.KillJob(ctx, job.ID, err.Error()); kErr != nil {
			log.Error("worker: dead-letter failed", zap.Error(kErr))
		}
		return
	}

	next := w.now().Add(w.cfg.Backoff.Backoff(job.Attempts - 1))
	log.Warn("worker: job failed, retrying",
		zap.Error(err),
		zap.String("class", string(resilience.Classify(err))),
		zap.Time("next_run_at", next),
	)
	if rErr := w.store.RetryJob(ctx, job.ID, next, err.Error()); rErr != nil {
		log.Error("worker: reschedule failed", zap.Error(rErr))
	}
}

func (w *Worker) run(ctx context.Context, job model.QueuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(eris.Errorf("queue: handler panic: %v", r))
		}
	}()
	return w.handler(ctx, job)
}
