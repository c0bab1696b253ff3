// Package monitoring collects prompt-run and queue health metrics and sends
// webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Prompt runs started within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsSucceeded int     `json:"runs_succeeded"`
	RunsFailed    int     `json:"runs_failed"`
	RunsPending   int     `json:"runs_pending"`
	RunsFailRate  float64 `json:"runs_fail_rate"`
	CostCents     int64   `json:"cost_cents"`

	// Queue depth.
	JobsQueued int `json:"jobs_queued"`
	JobsDead   int `json:"jobs_dead"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	RunStatsSince(ctx context.Context, since time.Time) (model.RunStats, error)
	CountJobs(ctx context.Context, status model.QueueStatus) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.src.RunStatsSince(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}
	snap.RunsTotal = stats.Total
	snap.RunsSucceeded = stats.Success
	snap.RunsFailed = stats.Failed
	snap.RunsPending = stats.Pending
	snap.CostCents = stats.CostCents
	if finished := stats.Success + stats.Failed; finished > 0 {
		snap.RunsFailRate = float64(stats.Failed) / float64(finished)
	}

	if snap.JobsQueued, err = c.src.CountJobs(ctx, model.QueueStatusQueued); err != nil {
		return nil, eris.Wrap(err, "monitoring: count queued jobs")
	}
	if snap.JobsDead, err = c.src.CountJobs(ctx, model.QueueStatusDead); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead jobs")
	}

	return snap, nil
}
