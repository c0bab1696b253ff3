package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/store"
)

// staleRunReason is recorded on runs failed by the reaper.
const staleRunReason = "[transient] run abandoned: worker lease expired before completion"

// ReapStaleRuns fails runs that have stayed PENDING longer than olderThan
// and counts them as failed on their batch. A worker that dies mid-job
// leaves such a run behind, and the redelivered job is swallowed by the
// idempotency guard. It returns the number of runs reaped.
func (o *Orchestrator) ReapStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	now := o.now()
	runs, err := o.store.FailStaleRuns(ctx, now.Add(-olderThan), now, staleRunReason)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: reap stale runs")
	}
	log := zap.L().With(zap.String("component", "orchestrator.reaper"))
	for _, r := range runs {
		log.Warn("orchestrator: stale run failed",
			zap.String("run_id", r.ID),
			zap.String("idempotency_key", r.IdempotencyKey),
			zap.Time("started_at", r.StartedAt))
		o.bumpBatch(ctx, log, r.BatchID, store.BatchDelta{Failed: 1}, &Outcome{RunID: r.ID})
	}
	return len(runs), nil
}

// RunReaper calls ReapStaleRuns every interval until ctx is cancelled.
func (o *Orchestrator) RunReaper(ctx context.Context, interval, olderThan time.Duration) {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	if interval <= 0 {
		interval = olderThan
	}
	log := zap.L().With(zap.String("component", "orchestrator.reaper"))
	log.Info("starting stale run reaper",
		zap.Duration("interval", interval),
		zap.Duration("older_than", olderThan))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stale run reaper stopped")
			return
		case <-ticker.C:
			n, err := o.ReapStaleRuns(ctx, olderThan)
			if err != nil {
				log.Error("orchestrator: reaper pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("orchestrator: reaper pass complete", zap.Int("reaped", n))
			}
		}
	}
}
