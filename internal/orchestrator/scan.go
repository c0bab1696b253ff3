package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/queue"
)

// batchNamespace seeds deterministic batch ids for cluster scans.
var batchNamespace = uuid.MustParse("6f1c3a4e-9b2d-4e7a-8c15-2d0b7e9f4a61")

// ScanOutcome reports what a cluster scan expansion did.
type ScanOutcome struct {
	BatchID  string
	Prompts  int
	Enqueued int
	Skipped  int
}

// ScanBatchID returns the batch id for a cluster scan key.
func ScanBatchID(scanKey string) string {
	return uuid.NewSHA1(batchNamespace, []byte(scanKey)).String()
}

// RunKey returns the idempotency key of one prompt job in a cluster scan.
func RunKey(scanKey, promptID, engineKey string) string {
	return fmt.Sprintf("%s:%s:%s", scanKey, promptID, strings.ToUpper(engineKey))
}

// HandleClusterScan expands a cluster into prompt jobs, one per prompt and
// engine. Re-running the same scan enqueues nothing new.
func (o *Orchestrator) HandleClusterScan(ctx context.Context, job model.ClusterScanJob) (*ScanOutcome, error) {
	if err := job.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}
	if o.enqueuer == nil {
		return nil, eris.New("orchestrator: cluster scan requires an enqueuer")
	}
	log := zap.L().With(
		zap.String("workspace_id", job.WorkspaceID),
		zap.String("cluster_id", job.ClusterID),
		zap.String("idempotency_key", job.IdempotencyKey),
	)

	cluster, err := o.store.GetCluster(ctx, job.ClusterID)
	if err != nil {
		return nil, permanentIf(eris.Wrapf(err, "orchestrator: resolve cluster %s", job.ClusterID))
	}
	if cluster.WorkspaceID != job.WorkspaceID {
		return nil, queue.Permanent(eris.Wrapf(model.ErrNotFound, "orchestrator: cluster %s in workspace %s", job.ClusterID, job.WorkspaceID))
	}

	limit := job.MaxPromptsPerCluster
	if limit <= 0 {
		limit = o.cfg.MaxPromptsPerCluster
	}
	texts := selectPrompts(cluster.PromptTexts, limit)
	engines := normalizeEngines(job.EngineKeys)

	batchID := ScanBatchID(job.IdempotencyKey)
	batch := &model.Batch{
		ID:          batchID,
		WorkspaceID: job.WorkspaceID,
		Kind:        model.BatchKindClusterScan,
		TotalJobs:   len(texts) * len(engines),
		Status:      model.BatchStatusRunning,
	}
	// No job will ever bump an empty batch, so it is closed at creation.
	if batch.TotalJobs == 0 {
		batch.Status = model.BatchStatusAnalysisFailed
		batch.Progress = 100
	}
	if _, err := o.store.CreateBatch(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "orchestrator: create scan batch")
	}
	if batch.TotalJobs == 0 {
		log.Warn("orchestrator: cluster scan has nothing to run",
			zap.String("batch_id", batchID),
			zap.Int("prompts", len(texts)),
			zap.Int("engines", len(engines)))
		return &ScanOutcome{BatchID: batchID}, nil
	}

	out := &ScanOutcome{BatchID: batchID, Prompts: len(texts)}
	for _, text := range texts {
		prompt, err := o.store.FindOrCreatePrompt(ctx, job.WorkspaceID, cluster.ID, text)
		if err != nil {
			return out, eris.Wrap(err, "orchestrator: find or create prompt")
		}
		for _, engineKey := range engines {
			key := RunKey(job.IdempotencyKey, prompt.ID, engineKey)
			if _, err := o.store.GetPromptRunByKey(ctx, key); err == nil {
				out.Skipped++
				continue
			}
			created, err := o.enqueuer.Enqueue(ctx, key, model.PromptJob{
				WorkspaceID:    job.WorkspaceID,
				PromptID:       prompt.ID,
				EngineKey:      engineKey,
				IdempotencyKey: key,
				UserID:         job.UserID,
				DemoRunID:      batchID,
			})
			if err != nil {
				return out, eris.Wrapf(err, "orchestrator: enqueue %s", key)
			}
			if created {
				out.Enqueued++
			} else {
				out.Skipped++
			}
		}
	}

	log.Info("orchestrator: cluster scan expanded",
		zap.String("batch_id", batchID),
		zap.Int("prompts", out.Prompts),
		zap.Int("engines", len(engines)),
		zap.Int("enqueued", out.Enqueued),
		zap.Int("skipped", out.Skipped))
	return out, nil
}

// selectPrompts drops blank and repeated texts and keeps at most limit.
func selectPrompts(texts []string, limit int) []string {
	seen := make(map[string]struct{}, len(texts))
	var out []string
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func normalizeEngines(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	var out []string
	for _, k := range keys {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func permanentIf(err error) error {
	if deterministic(err) {
		return queue.Permanent(err)
	}
	return err
}
