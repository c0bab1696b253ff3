package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/db"
	"github.com/sells-group/visibility-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS workspaces (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	brand_name    TEXT NOT NULL DEFAULT '',
	brand_domain  TEXT NOT NULL DEFAULT '',
	brand_aliases JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS engines (
	id                 TEXT PRIMARY KEY,
	workspace_id       TEXT NOT NULL,
	key                TEXT NOT NULL,
	enabled            BOOLEAN NOT NULL DEFAULT true,
	daily_budget_cents BIGINT NOT NULL DEFAULT 0,
	timezone           TEXT NOT NULL DEFAULT '',
	last_run_at        TIMESTAMPTZ,
	avg_latency_ms     BIGINT NOT NULL DEFAULT 0,
	UNIQUE (workspace_id, key)
);

CREATE TABLE IF NOT EXISTS clusters (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	prompt_texts JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS prompts (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	cluster_id   TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, text)
);

CREATE TABLE IF NOT EXISTS prompt_runs (
	id              TEXT PRIMARY KEY,
	workspace_id    TEXT NOT NULL,
	prompt_id       TEXT NOT NULL,
	engine_key      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	batch_id        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'PENDING',
	cost_cents      BIGINT NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_prompt_runs_engine_day ON prompt_runs(workspace_id, engine_key, started_at);
CREATE INDEX IF NOT EXISTS idx_prompt_runs_batch ON prompt_runs(batch_id);

CREATE TABLE IF NOT EXISTS answers (
	id            TEXT PRIMARY KEY,
	prompt_run_id TEXT NOT NULL UNIQUE REFERENCES prompt_runs(id),
	raw_text      TEXT NOT NULL,
	meta          JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mentions (
	id        TEXT PRIMARY KEY,
	answer_id TEXT NOT NULL REFERENCES answers(id),
	brand     TEXT NOT NULL,
	position  INTEGER NOT NULL,
	sentiment TEXT NOT NULL,
	snippet   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mentions_answer ON mentions(answer_id);

CREATE TABLE IF NOT EXISTS citations (
	id         TEXT PRIMARY KEY,
	answer_id  TEXT NOT NULL REFERENCES answers(id),
	url        TEXT NOT NULL,
	domain     TEXT NOT NULL,
	rank       INTEGER NOT NULL,
	confidence DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_citations_answer ON citations(answer_id);

CREATE TABLE IF NOT EXISTS batches (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	kind           TEXT NOT NULL,
	brand_name     TEXT NOT NULL DEFAULT '',
	brand_domain   TEXT NOT NULL DEFAULT '',
	total_jobs     INTEGER NOT NULL DEFAULT 0,
	completed_jobs INTEGER NOT NULL DEFAULT 0,
	failed_jobs    INTEGER NOT NULL DEFAULT 0,
	progress       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'running',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS knowledge_facts (
	workspace_id TEXT NOT NULL,
	topic        TEXT NOT NULL,
	value        TEXT NOT NULL,
	keywords     JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_knowledge_facts_workspace ON knowledge_facts(workspace_id);

CREATE TABLE IF NOT EXISTS hallucinations (
	id           TEXT PRIMARY KEY,
	answer_id    TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	topic        TEXT NOT NULL,
	expected     TEXT NOT NULL,
	snippet      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	key          TEXT PRIMARY KEY,
	prompt_id    TEXT NOT NULL,
	engine_key   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	extracted_at TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	key          TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_run_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, next_run_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the bootstrap schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Prompt runs ---

const promptRunColumns = `id, workspace_id, prompt_id, engine_key, idempotency_key, batch_id, status, cost_cents, started_at, finished_at, error`

// InsertPromptRun inserts run unless its idempotency key already exists.
// It reports whether a row was created.
func (s *PostgresStore) InsertPromptRun(ctx context.Context, run *model.PromptRun) (bool, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO prompt_runs (id, workspace_id, prompt_id, engine_key, idempotency_key, batch_id, status, cost_cents, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		run.ID, run.WorkspaceID, run.PromptID, run.EngineKey, run.IdempotencyKey,
		run.BatchID, string(run.Status), run.CostCents, run.StartedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert prompt run %s", run.IdempotencyKey)
	}
	return tag.RowsAffected() == 1, nil
}

// GetPromptRunByKey looks a run up by idempotency key.
func (s *PostgresStore) GetPromptRunByKey(ctx context.Context, idempotencyKey string) (*model.PromptRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+promptRunColumns+` FROM prompt_runs WHERE idempotency_key = $1`,
		idempotencyKey,
	)
	r, err := scanPGPromptRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("prompt run", idempotencyKey)
		}
		return nil, eris.Wrapf(err, "postgres: get prompt run %s", idempotencyKey)
	}
	return r, nil
}

// CompletePromptRun applies the single terminal write to a PENDING run.
func (s *PostgresStore) CompletePromptRun(ctx context.Context, runID string, c model.RunCompletion) error {
	return pgCompleteRun(ctx, s.pool, runID, c)
}

func pgCompleteRun(ctx context.Context, q db.Pool, runID string, c model.RunCompletion) error {
	tag, err := q.Exec(ctx,
		`UPDATE prompt_runs SET status = $1, cost_cents = $2, finished_at = $3, error = $4
		 WHERE id = $5 AND status = 'PENDING'`,
		string(c.Status), c.CostCents, c.FinishedAt, c.Error, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete prompt run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunTerminal, "run %s", runID)
	}
	return nil
}

// FailStaleRuns marks PENDING runs started before cutoff as FAILED and
// returns them.
func (s *PostgresStore) FailStaleRuns(ctx context.Context, cutoff, now time.Time, reason string) ([]model.PromptRun, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE prompt_runs SET status = 'FAILED', finished_at = $2, error = $3
		 WHERE status = 'PENDING' AND started_at < $1
		 RETURNING `+promptRunColumns,
		cutoff, now, reason,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fail stale runs")
	}
	defer rows.Close()

	var runs []model.PromptRun
	for rows.Next() {
		r, err := scanPGPromptRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: fail stale runs iterate")
}

// SumEngineCostSince totals run cost for an engine since a point in time.
func (s *PostgresStore) SumEngineCostSince(ctx context.Context, workspaceID, engineKey string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0)::BIGINT FROM prompt_runs
		 WHERE workspace_id = $1 AND engine_key = $2 AND started_at >= $3`,
		workspaceID, engineKey, since,
	).Scan(&total)
	return total, eris.Wrap(err, "postgres: sum engine cost")
}

// RunStatsSince aggregates runs started at or after since.
func (s *PostgresStore) RunStatsSince(ctx context.Context, since time.Time) (model.RunStats, error) {
	var st model.RunStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(cost_cents), 0)::BIGINT
		 FROM prompt_runs WHERE started_at >= $1`,
		since,
	).Scan(&st.Total, &st.Success, &st.Failed, &st.Pending, &st.CostCents)
	return st, eris.Wrap(err, "postgres: run stats")
}

// ListPromptRunsByBatch returns every run created for a batch.
func (s *PostgresStore) ListPromptRunsByBatch(ctx context.Context, batchID string) ([]model.PromptRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+promptRunColumns+` FROM prompt_runs WHERE batch_id = $1 ORDER BY started_at`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prompt runs")
	}
	defer rows.Close()

	var runs []model.PromptRun
	for rows.Next() {
		r, err := scanPGPromptRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prompt run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list prompt runs iterate")
}

func scanPGPromptRun(row scannable) (*model.PromptRun, error) {
	var r model.PromptRun
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.PromptID, &r.EngineKey, &r.IdempotencyKey,
		&r.BatchID, &r.Status, &r.CostCents, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Answers, mentions, citations ---

// SaveAnswer writes a successful run's answer, mentions and citations and
// marks the run SUCCESS in one transaction.
func (s *PostgresStore) SaveAnswer(ctx context.Context, w *AnswerWrite) (*AnswerSaved, error) {
	prepareAnswer(w)
	var saved AnswerSaved
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO answers (id, prompt_run_id, raw_text, meta, created_at) VALUES ($1, $2, $3, $4, $5)`,
			w.Answer.ID, w.Answer.PromptRunID, w.Answer.RawText, []byte(w.Answer.Meta), w.Answer.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert answer for run %s", w.Answer.PromptRunID)
		}

		for _, m := range w.Mentions {
			if _, err := tx.Exec(ctx, `SAVEPOINT mention`); err != nil {
				return eris.Wrap(err, "postgres: mention savepoint")
			}
			_, ierr := tx.Exec(ctx,
				`INSERT INTO mentions (id, answer_id, brand, position, sentiment, snippet) VALUES ($1, $2, $3, $4, $5, $6)`,
				m.ID, m.AnswerID, m.Brand, m.Position, string(m.Sentiment), m.Snippet,
			)
			if ierr != nil {
				if _, err := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT mention`); err != nil {
					return eris.Wrap(err, "postgres: rollback mention savepoint")
				}
				saved.MentionErrs = append(saved.MentionErrs, eris.Wrapf(ierr, "postgres: insert mention %q", m.Brand))
			} else {
				saved.Mentions++
			}
			if _, err := tx.Exec(ctx, `RELEASE SAVEPOINT mention`); err != nil {
				return eris.Wrap(err, "postgres: release mention savepoint")
			}
		}

		rows := make([][]any, 0, len(w.Citations))
		for _, c := range w.Citations {
			rows = append(rows, []any{c.ID, c.AnswerID, c.URL, c.Domain, c.Rank, c.Confidence})
		}
		n, err := db.CopyFrom(ctx, tx, "citations", citationColumns, rows)
		if err != nil {
			return err
		}
		saved.Citations = n

		return pgCompleteRun(ctx, tx, w.Answer.PromptRunID, w.Completion)
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

var citationColumns = []string{"id", "answer_id", "url", "domain", "rank", "confidence"}

// GetAnswerByRun returns the answer recorded for a run.
func (s *PostgresStore) GetAnswerByRun(ctx context.Context, runID string) (*model.Answer, error) {
	var a model.Answer
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, prompt_run_id, raw_text, meta, created_at FROM answers WHERE prompt_run_id = $1`,
		runID,
	).Scan(&a.ID, &a.PromptRunID, &a.RawText, &meta, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("answer for run", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get answer for run %s", runID)
	}
	a.Meta = meta
	return &a, nil
}

// ListMentions returns an answer's mentions ordered by position.
func (s *PostgresStore) ListMentions(ctx context.Context, answerID string) ([]model.Mention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, answer_id, brand, position, sentiment, snippet FROM mentions WHERE answer_id = $1 ORDER BY position`,
		answerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mentions")
	}
	defer rows.Close()

	var out []model.Mention
	for rows.Next() {
		var m model.Mention
		if err := rows.Scan(&m.ID, &m.AnswerID, &m.Brand, &m.Position, &m.Sentiment, &m.Snippet); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mention")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list mentions iterate")
}

// --- Engines ---

// GetEngine returns a workspace's engine by key.
func (s *PostgresStore) GetEngine(ctx context.Context, workspaceID, key string) (*model.Engine, error) {
	var e model.Engine
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, key, enabled, daily_budget_cents, timezone, last_run_at, avg_latency_ms
		 FROM engines WHERE workspace_id = $1 AND key = $2`,
		workspaceID, key,
	).Scan(&e.ID, &e.WorkspaceID, &e.Key, &e.Enabled, &e.DailyBudgetCents, &e.Timezone, &e.LastRunAt, &e.AvgLatencyMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("engine", workspaceID+"/"+key)
		}
		return nil, eris.Wrapf(err, "postgres: get engine %s", key)
	}
	return &e, nil
}

// UpsertEngine creates or updates an engine's configuration.
func (s *PostgresStore) UpsertEngine(ctx context.Context, e *model.Engine) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engines (id, workspace_id, key, enabled, daily_budget_cents, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (workspace_id, key) DO UPDATE SET enabled = $4, daily_budget_cents = $5, timezone = $6`,
		e.ID, e.WorkspaceID, e.Key, e.Enabled, e.DailyBudgetCents, e.Timezone,
	)
	return eris.Wrapf(err, "postgres: upsert engine %s", e.Key)
}

// RecordEngineRun stamps the last run time and folds latency into the
// rolling average in one statement.
func (s *PostgresStore) RecordEngineRun(ctx context.Context, engineID string, at time.Time, latencyMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE engines SET last_run_at = $1,
		   avg_latency_ms = CASE WHEN avg_latency_ms <= 0 THEN $2 ELSE (avg_latency_ms + $2) / 2 END
		 WHERE id = $3`,
		at, latencyMs, engineID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record engine run %s", engineID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("engine", engineID)
	}
	return nil
}

// --- Workspaces, prompts, clusters ---

// GetWorkspace returns a workspace by id.
func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var w model.Workspace
	var aliases []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, brand_name, brand_domain, brand_aliases FROM workspaces WHERE id = $1`,
		id,
	).Scan(&w.ID, &w.Name, &w.BrandName, &w.BrandDomain, &aliases)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("workspace", id)
		}
		return nil, eris.Wrapf(err, "postgres: get workspace %s", id)
	}
	if err := json.Unmarshal(aliases, &w.BrandAliases); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal brand aliases")
	}
	return &w, nil
}

// UpsertWorkspace creates or updates a workspace profile.
func (s *PostgresStore) UpsertWorkspace(ctx context.Context, w *model.Workspace) error {
	aliases, err := json.Marshal(nonNil(w.BrandAliases))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal brand aliases")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, name, brand_name, brand_domain, brand_aliases) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, brand_name = $3, brand_domain = $4, brand_aliases = $5`,
		w.ID, w.Name, w.BrandName, w.BrandDomain, aliases,
	)
	return eris.Wrapf(err, "postgres: upsert workspace %s", w.ID)
}

// GetPrompt returns a prompt by id.
func (s *PostgresStore) GetPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	var p model.Prompt
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, cluster_id, text, created_at FROM prompts WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.WorkspaceID, &p.ClusterID, &p.Text, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("prompt", id)
		}
		return nil, eris.Wrapf(err, "postgres: get prompt %s", id)
	}
	return &p, nil
}

// FindOrCreatePrompt returns the workspace prompt with text, creating it
// when absent.
func (s *PostgresStore) FindOrCreatePrompt(ctx context.Context, workspaceID, clusterID, text string) (*model.Prompt, error) {
	var p model.Prompt
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompts (id, workspace_id, cluster_id, text, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workspace_id, text) DO UPDATE SET
		   cluster_id = CASE WHEN prompts.cluster_id = '' THEN EXCLUDED.cluster_id ELSE prompts.cluster_id END
		 RETURNING id, workspace_id, cluster_id, text, created_at`,
		uuid.New().String(), workspaceID, clusterID, text, time.Now().UTC(),
	).Scan(&p.ID, &p.WorkspaceID, &p.ClusterID, &p.Text, &p.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find or create prompt")
	}
	return &p, nil
}

// GetCluster returns a prompt cluster by id.
func (s *PostgresStore) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	var c model.Cluster
	var texts []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, prompt_texts FROM clusters WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &texts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("cluster", id)
		}
		return nil, eris.Wrapf(err, "postgres: get cluster %s", id)
	}
	if err := json.Unmarshal(texts, &c.PromptTexts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal prompt texts")
	}
	return &c, nil
}

// UpsertCluster creates or updates a prompt cluster.
func (s *PostgresStore) UpsertCluster(ctx context.Context, c *model.Cluster) error {
	texts, err := json.Marshal(nonNil(c.PromptTexts))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal prompt texts")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clusters (id, workspace_id, name, prompt_texts) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $3, prompt_texts = $4`,
		c.ID, c.WorkspaceID, c.Name, texts,
	)
	return eris.Wrapf(err, "postgres: upsert cluster %s", c.ID)
}

// --- Batches ---

const batchColumns = `id, workspace_id, kind, brand_name, brand_domain, total_jobs, completed_jobs, failed_jobs, progress, status`

// CreateBatch inserts b unless a batch with its id exists.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch) (bool, error) {
	if b.Status == "" {
		b.Status = model.BatchStatusRunning
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		b.ID, b.WorkspaceID, string(b.Kind), b.BrandName, b.BrandDomain,
		b.TotalJobs, b.CompletedJobs, b.FailedJobs, b.Progress, string(b.Status),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: create batch %s", b.ID)
	}
	return tag.RowsAffected() == 1, nil
}

// GetBatch returns a batch by id.
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("batch", id)
		}
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	return b, nil
}

// AddBatchResult atomically applies d and recomputes progress and status.
// A batch finishes as analysis_failed only when none of its jobs succeeded.
func (s *PostgresStore) AddBatchResult(ctx context.Context, id string, d BatchDelta) (*model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`UPDATE batches SET
		   completed_jobs = completed_jobs + $2,
		   failed_jobs = failed_jobs + $3,
		   progress = CASE WHEN total_jobs > 0
		     THEN LEAST(100, ((completed_jobs + $2 + failed_jobs + $3) * 100) / total_jobs) ELSE 0 END,
		   status = CASE WHEN total_jobs > 0 AND completed_jobs + $2 + failed_jobs + $3 >= total_jobs
		     THEN CASE WHEN completed_jobs + $2 = 0 THEN 'analysis_failed' ELSE 'analysis_complete' END
		     ELSE status END,
		   updated_at = now()
		 WHERE id = $1
		 RETURNING `+batchColumns,
		id, d.Completed, d.Failed,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("batch", id)
		}
		return nil, eris.Wrapf(err, "postgres: update batch %s", id)
	}
	return b, nil
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	if err := row.Scan(&b.ID, &b.WorkspaceID, &b.Kind, &b.BrandName, &b.BrandDomain,
		&b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &b.Progress, &b.Status); err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Knowledge and hallucinations ---

// GetKnowledgeProfile returns a workspace's facts.
func (s *PostgresStore) GetKnowledgeProfile(ctx context.Context, workspaceID string) (*model.KnowledgeProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic, value, keywords FROM knowledge_facts WHERE workspace_id = $1 ORDER BY topic`,
		workspaceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get knowledge profile")
	}
	defer rows.Close()

	p := &model.KnowledgeProfile{WorkspaceID: workspaceID}
	for rows.Next() {
		var f model.Fact
		var keywords []byte
		if err := rows.Scan(&f.Topic, &f.Value, &keywords); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		if err := json.Unmarshal(keywords, &f.Keywords); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fact keywords")
		}
		p.Facts = append(p.Facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: knowledge profile iterate")
	}
	if len(p.Facts) == 0 {
		return nil, notFound("knowledge profile", workspaceID)
	}
	return p, nil
}

// PutKnowledgeProfile replaces a workspace's facts in one transaction.
func (s *PostgresStore) PutKnowledgeProfile(ctx context.Context, p *model.KnowledgeProfile) error {
	rows := make([][]any, 0, len(p.Facts))
	for _, f := range p.Facts {
		keywords, err := json.Marshal(nonNil(f.Keywords))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal fact keywords")
		}
		rows = append(rows, []any{p.WorkspaceID, f.Topic, f.Value, keywords})
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM knowledge_facts WHERE workspace_id = $1`, p.WorkspaceID); err != nil {
			return eris.Wrap(err, "postgres: clear knowledge facts")
		}
		_, err := db.CopyFrom(ctx, tx, "knowledge_facts", []string{"workspace_id", "topic", "value", "keywords"}, rows)
		return err
	})
}

// CreateHallucination records a flagged answer sentence.
func (s *PostgresStore) CreateHallucination(ctx context.Context, h *model.Hallucination) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hallucinations (id, answer_id, workspace_id, topic, expected, snippet) VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.AnswerID, h.WorkspaceID, h.Topic, h.Expected, h.Snippet,
	)
	return eris.Wrap(err, "postgres: insert hallucination")
}

// --- Extraction cache ---

// GetCacheEntry returns a cached extraction by key.
func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT key, prompt_id, engine_key, payload, model, confidence, extracted_at FROM extraction_cache WHERE key = $1`,
		key,
	).Scan(&e.Key, &e.PromptID, &e.EngineKey, &payload, &e.Model, &e.Confidence, &e.ExtractedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("cache entry", key)
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// PutCacheEntry stores a cached extraction. The last write for a key wins.
func (s *PostgresStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_cache (key, prompt_id, engine_key, payload, model, confidence, extracted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET payload = $4, model = $5, confidence = $6, extracted_at = $7`,
		e.Key, e.PromptID, e.EngineKey, string(e.Payload), e.Model, e.Confidence, e.ExtractedAt,
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

// --- Job queue ---

const jobColumns = `id, key, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at`

// EnqueueJob inserts j unless its key is already queued. It reports
// whether a row was created.
func (s *PostgresStore) EnqueueJob(ctx context.Context, j *model.QueuedJob) (bool, error) {
	fillJob(j)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (key) DO NOTHING`,
		j.ID, j.Key, string(j.Kind), []byte(j.Payload), string(j.Status), j.Attempts, j.MaxAttempts,
		j.NextRunAt, j.LastError, j.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue job %s", j.Key)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJobs leases up to limit ready jobs. Running jobs whose lease has
// lapsed are reclaimed.
func (s *PostgresStore) ClaimJobs(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.QueuedJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, next_run_at = $3, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status IN ('queued', 'running') AND next_run_at <= $1
		   ORDER BY next_run_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit, now.Add(lease),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	defer rows.Close()

	var jobs []model.QueuedJob
	for rows.Next() {
		var j model.QueuedJob
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Key, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
			&j.NextRunAt, &j.LastError, &j.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: claim jobs iterate")
}

// CompleteJob marks a job done.
func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	return s.setJob(ctx, id, `UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, id)
}

// RetryJob requeues a job for nextRunAt.
func (s *PostgresStore) RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastErr string) error {
	return s.setJob(ctx, id,
		`UPDATE jobs SET status = 'queued', next_run_at = $1, last_error = $2, updated_at = now() WHERE id = $3`,
		nextRunAt, lastErr, id)
}

// KillJob dead-letters a job.
func (s *PostgresStore) KillJob(ctx context.Context, id string, lastErr string) error {
	return s.setJob(ctx, id,
		`UPDATE jobs SET status = 'dead', last_error = $1, updated_at = now() WHERE id = $2`,
		lastErr, id)
}

func (s *PostgresStore) setJob(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", id)
	}
	return nil
}

// CountJobs counts jobs in a status.
func (s *PostgresStore) CountJobs(ctx context.Context, status model.QueueStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count jobs")
}

func fillJob(j *model.QueuedJob) {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.QueueStatusQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
