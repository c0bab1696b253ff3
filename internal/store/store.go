// Package store persists prompt runs, answers and their extracted records,
// workspace configuration, batch progress, the extraction cache and the
// durable job queue.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// ErrRunTerminal is returned when a terminal write targets a run that is no
// longer PENDING.
var ErrRunTerminal = eris.New("store: prompt run already terminal")

// BatchDelta is one atomic batch counter update.
type BatchDelta struct {
	Completed int
	Failed    int
}

// AnswerWrite is everything a successful run persists. SaveAnswer applies
// it atomically: a failed mention insert is rolled back to a savepoint and
// reported, any other failure leaves no trace of the answer.
type AnswerWrite struct {
	Answer     *model.Answer
	Mentions   []model.Mention
	Citations  []model.Citation
	Completion model.RunCompletion
}

// AnswerSaved reports what SaveAnswer committed.
type AnswerSaved struct {
	Mentions    int
	Citations   int64
	MentionErrs []error
}

// prepareAnswer fills ids and timestamps and points children at the answer.
func prepareAnswer(w *AnswerWrite) {
	a := w.Answer
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	for i := range w.Mentions {
		if w.Mentions[i].ID == "" {
			w.Mentions[i].ID = uuid.New().String()
		}
		w.Mentions[i].AnswerID = a.ID
	}
	for i := range w.Citations {
		if w.Citations[i].ID == "" {
			w.Citations[i].ID = uuid.New().String()
		}
		w.Citations[i].AnswerID = a.ID
	}
}

// Store defines the persistence interface for the visibility pipeline.
type Store interface {
	// Prompt runs
	InsertPromptRun(ctx context.Context, run *model.PromptRun) (bool, error)
	GetPromptRunByKey(ctx context.Context, idempotencyKey string) (*model.PromptRun, error)
	CompletePromptRun(ctx context.Context, runID string, c model.RunCompletion) error
	SumEngineCostSince(ctx context.Context, workspaceID, engineKey string, since time.Time) (int64, error)
	ListPromptRunsByBatch(ctx context.Context, batchID string) ([]model.PromptRun, error)
	RunStatsSince(ctx context.Context, since time.Time) (model.RunStats, error)

	FailStaleRuns(ctx context.Context, cutoff, now time.Time, reason string) ([]model.PromptRun, error)

	// Answers and extracted records
	SaveAnswer(ctx context.Context, w *AnswerWrite) (*AnswerSaved, error)
	GetAnswerByRun(ctx context.Context, runID string) (*model.Answer, error)
	ListMentions(ctx context.Context, answerID string) ([]model.Mention, error)

	// Engines
	GetEngine(ctx context.Context, workspaceID, key string) (*model.Engine, error)
	UpsertEngine(ctx context.Context, e *model.Engine) error
	RecordEngineRun(ctx context.Context, engineID string, at time.Time, latencyMs int64) error

	// Workspaces, prompts and clusters
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	UpsertWorkspace(ctx context.Context, w *model.Workspace) error
	GetPrompt(ctx context.Context, id string) (*model.Prompt, error)
	FindOrCreatePrompt(ctx context.Context, workspaceID, clusterID, text string) (*model.Prompt, error)
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
	UpsertCluster(ctx context.Context, c *model.Cluster) error

	// Batches
	CreateBatch(ctx context.Context, b *model.Batch) (bool, error)
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	AddBatchResult(ctx context.Context, id string, d BatchDelta) (*model.Batch, error)

	// Knowledge and hallucination flags
	GetKnowledgeProfile(ctx context.Context, workspaceID string) (*model.KnowledgeProfile, error)
	PutKnowledgeProfile(ctx context.Context, p *model.KnowledgeProfile) error
	CreateHallucination(ctx context.Context, h *model.Hallucination) error

	// Extraction cache
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e model.CacheEntry) error

	// Job queue
	EnqueueJob(ctx context.Context, j *model.QueuedJob) (bool, error)
	ClaimJobs(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.QueuedJob, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastErr string) error
	KillJob(ctx context.Context, id string, lastErr string) error
	CountJobs(ctx context.Context, status model.QueueStatus) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Driver      string
	DatabaseURL string
	Pool        *PoolConfig
}

// Open creates the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
}

type scannable interface {
	Scan(dest ...any) error
}
