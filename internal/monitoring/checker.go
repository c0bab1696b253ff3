package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/config"
)

// Report summarizes one check of the pipeline health.
type Report struct {
	Snapshot *MetricsSnapshot
	// Firing lists every alert whose threshold is currently breached.
	Firing []AlertType
	// Raised lists alerts that started firing with this check and were
	// delivered. Only these are sent.
	Raised []AlertType
	// Cleared lists alerts that fired on an earlier check and no longer do.
	Cleared []AlertType
}

// Checker polls run and queue health and notifies on alert transitions.
// An alert is sent once when its threshold is first breached and again
// only after it has cleared, so a sustained failure rate or a dead-letter
// backlog does not page on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[AlertType]struct{}
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]struct{}),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Check collects one snapshot, sends alerts that started firing and
// forgets alerts that cleared. An alert whose delivery fails stays
// pending and is retried on the next check.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("component", "monitoring.checker"),
		zap.Int("runs_failed", snap.RunsFailed),
		zap.Int("runs_pending", snap.RunsPending),
		zap.Int("jobs_dead", snap.JobsDead),
		zap.Int64("cost_cents", snap.CostCents),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	rep := &Report{Snapshot: snap}
	firing := make(map[AlertType]struct{})
	for _, alert := range c.alerter.Evaluate(snap) {
		firing[alert.Type] = struct{}{}
		rep.Firing = append(rep.Firing, alert.Type)
		if _, ok := c.active[alert.Type]; ok {
			continue
		}
		if err := c.alerter.Send(ctx, alert); err != nil {
			continue
		}
		c.active[alert.Type] = struct{}{}
		rep.Raised = append(rep.Raised, alert.Type)
	}
	for t := range c.active {
		if _, ok := firing[t]; !ok {
			delete(c.active, t)
			rep.Cleared = append(rep.Cleared, t)
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}

	if len(rep.Raised) > 0 || len(rep.Cleared) > 0 {
		log.Info("monitoring: alert state changed",
			zap.Int("firing", len(rep.Firing)),
			zap.Int("raised", len(rep.Raised)),
			zap.Int("cleared", len(rep.Cleared)),
		)
	} else {
		log.Debug("monitoring: no alert transitions", zap.Int("firing", len(rep.Firing)))
	}
	return rep, nil
}
