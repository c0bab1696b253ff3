package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visibility-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps per-connection pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so range predicates compare
// correctly as strings.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS workspaces (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	brand_name    TEXT NOT NULL DEFAULT '',
	brand_domain  TEXT NOT NULL DEFAULT '',
	brand_aliases TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS engines (
	id                 TEXT PRIMARY KEY,
	workspace_id       TEXT NOT NULL,
	key                TEXT NOT NULL,
	enabled            INTEGER NOT NULL DEFAULT 1,
	daily_budget_cents INTEGER NOT NULL DEFAULT 0,
	timezone           TEXT NOT NULL DEFAULT '',
	last_run_at        TEXT,
	avg_latency_ms     INTEGER NOT NULL DEFAULT 0,
	UNIQUE (workspace_id, key)
);

CREATE TABLE IF NOT EXISTS clusters (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	prompt_texts TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS prompts (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	cluster_id   TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
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
	cost_cents      INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT NOT NULL,
	finished_at     TEXT,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_prompt_runs_engine_day ON prompt_runs(workspace_id, engine_key, started_at);
CREATE INDEX IF NOT EXISTS idx_prompt_runs_batch ON prompt_runs(batch_id);

CREATE TABLE IF NOT EXISTS answers (
	id            TEXT PRIMARY KEY,
	prompt_run_id TEXT NOT NULL UNIQUE REFERENCES prompt_runs(id),
	raw_text      TEXT NOT NULL,
	meta          TEXT,
	created_at    TEXT NOT NULL
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
	confidence REAL NOT NULL
);

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
	status         TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS knowledge_facts (
	workspace_id TEXT NOT NULL,
	topic        TEXT NOT NULL,
	value        TEXT NOT NULL,
	keywords     TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS hallucinations (
	id           TEXT PRIMARY KEY,
	answer_id    TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	topic        TEXT NOT NULL,
	expected     TEXT NOT NULL,
	snippet      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	key          TEXT PRIMARY KEY,
	prompt_id    TEXT NOT NULL,
	engine_key   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	extracted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	key          TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_run_at  TEXT NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, next_run_at);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate applies the bootstrap schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Prompt runs ---

// InsertPromptRun inserts run unless its idempotency key already exists.
func (s *SQLiteStore) InsertPromptRun(ctx context.Context, run *model.PromptRun) (bool, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_runs (id, workspace_id, prompt_id, engine_key, idempotency_key, batch_id, status, cost_cents, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		run.ID, run.WorkspaceID, run.PromptID, run.EngineKey, run.IdempotencyKey,
		run.BatchID, string(run.Status), run.CostCents, ts(run.StartedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert prompt run %s", run.IdempotencyKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// GetPromptRunByKey looks a run up by idempotency key.
func (s *SQLiteStore) GetPromptRunByKey(ctx context.Context, idempotencyKey string) (*model.PromptRun, error) {
	r, err := scanSQLitePromptRun(s.db.QueryRowContext(ctx,
		`SELECT `+promptRunColumns+` FROM prompt_runs WHERE idempotency_key = ?`, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("prompt run", idempotencyKey)
		}
		return nil, eris.Wrapf(err, "sqlite: get prompt run %s", idempotencyKey)
	}
	return r, nil
}

// CompletePromptRun applies the single terminal write to a PENDING run.
func (s *SQLiteStore) CompletePromptRun(ctx context.Context, runID string, c model.RunCompletion) error {
	return sqliteCompleteRun(ctx, s.db, runID, c)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteCompleteRun(ctx context.Context, q sqlExecer, runID string, c model.RunCompletion) error {
	res, err := q.ExecContext(ctx,
		`UPDATE prompt_runs SET status = ?, cost_cents = ?, finished_at = ?, error = ?
		 WHERE id = ? AND status = 'PENDING'`,
		string(c.Status), c.CostCents, ts(c.FinishedAt), c.Error, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete prompt run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrRunTerminal, "run %s", runID)
	}
	return nil
}

// FailStaleRuns marks PENDING runs started before cutoff as FAILED and
// returns them.
func (s *SQLiteStore) FailStaleRuns(ctx context.Context, cutoff, now time.Time, reason string) ([]model.PromptRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE prompt_runs SET status = 'FAILED', finished_at = ?, error = ?
		 WHERE status = 'PENDING' AND started_at < ?
		 RETURNING `+promptRunColumns,
		ts(now), reason, ts(cutoff),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fail stale runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PromptRun
	for rows.Next() {
		r, err := scanSQLitePromptRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: fail stale runs iterate")
}

// SumEngineCostSince totals run cost for an engine since a point in time.
func (s *SQLiteStore) SumEngineCostSince(ctx context.Context, workspaceID, engineKey string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM prompt_runs
		 WHERE workspace_id = ? AND engine_key = ? AND started_at >= ?`,
		workspaceID, engineKey, ts(since),
	).Scan(&total)
	return total, eris.Wrap(err, "sqlite: sum engine cost")
}

// RunStatsSince aggregates runs started at or after since.
func (s *SQLiteStore) RunStatsSince(ctx context.Context, since time.Time) (model.RunStats, error) {
	var st model.RunStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(cost_cents), 0)
		 FROM prompt_runs WHERE started_at >= ?`,
		ts(since),
	).Scan(&st.Total, &st.Success, &st.Failed, &st.Pending, &st.CostCents)
	return st, eris.Wrap(err, "sqlite: run stats")
}

// ListPromptRunsByBatch returns every run created for a batch.
func (s *SQLiteStore) ListPromptRunsByBatch(ctx context.Context, batchID string) ([]model.PromptRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptRunColumns+` FROM prompt_runs WHERE batch_id = ? ORDER BY started_at`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prompt runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PromptRun
	for rows.Next() {
		r, err := scanSQLitePromptRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prompt run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list prompt runs iterate")
}

func scanSQLitePromptRun(row scannable) (*model.PromptRun, error) {
	var r model.PromptRun
	var started string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.PromptID, &r.EngineKey, &r.IdempotencyKey,
		&r.BatchID, &r.Status, &r.CostCents, &started, &finished, &r.Error); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTS(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseNullTS(finished); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Answers, mentions, citations ---

// SaveAnswer writes a successful run's answer, mentions and citations and
// marks the run SUCCESS in one transaction.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, w *AnswerWrite) (*AnswerSaved, error) {
	prepareAnswer(w)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin answer tx")
	}
	defer tx.Rollback() //nolint:errcheck

	a := w.Answer
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO answers (id, prompt_run_id, raw_text, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.PromptRunID, a.RawText, string(a.Meta), ts(a.CreatedAt),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert answer for run %s", a.PromptRunID)
	}

	saved := &AnswerSaved{}
	for _, m := range w.Mentions {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT mention`); err != nil {
			return nil, eris.Wrap(err, "sqlite: mention savepoint")
		}
		_, ierr := tx.ExecContext(ctx,
			`INSERT INTO mentions (id, answer_id, brand, position, sentiment, snippet) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.AnswerID, m.Brand, m.Position, string(m.Sentiment), m.Snippet,
		)
		if ierr != nil {
			if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT mention`); err != nil {
				return nil, eris.Wrap(err, "sqlite: rollback mention savepoint")
			}
			saved.MentionErrs = append(saved.MentionErrs, eris.Wrapf(ierr, "sqlite: insert mention %q", m.Brand))
		} else {
			saved.Mentions++
		}
		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT mention`); err != nil {
			return nil, eris.Wrap(err, "sqlite: release mention savepoint")
		}
	}

	for _, c := range w.Citations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO citations (id, answer_id, url, domain, rank, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.AnswerID, c.URL, c.Domain, c.Rank, c.Confidence,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert citation %s", c.URL)
		}
		saved.Citations++
	}

	if err := sqliteCompleteRun(ctx, tx, a.PromptRunID, w.Completion); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit answer")
	}
	return saved, nil
}

// GetAnswerByRun returns the answer recorded for a run.
func (s *SQLiteStore) GetAnswerByRun(ctx context.Context, runID string) (*model.Answer, error) {
	var a model.Answer
	var meta sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prompt_run_id, raw_text, meta, created_at FROM answers WHERE prompt_run_id = ?`, runID,
	).Scan(&a.ID, &a.PromptRunID, &a.RawText, &meta, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("answer for run", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get answer for run %s", runID)
	}
	if meta.Valid && meta.String != "" {
		a.Meta = json.RawMessage(meta.String)
	}
	if a.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListMentions returns an answer's mentions ordered by position.
func (s *SQLiteStore) ListMentions(ctx context.Context, answerID string) ([]model.Mention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, answer_id, brand, position, sentiment, snippet FROM mentions WHERE answer_id = ? ORDER BY position`,
		answerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mentions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Mention
	for rows.Next() {
		var m model.Mention
		if err := rows.Scan(&m.ID, &m.AnswerID, &m.Brand, &m.Position, &m.Sentiment, &m.Snippet); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mention")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list mentions iterate")
}

// --- Engines ---

// GetEngine returns a workspace's engine by key.
func (s *SQLiteStore) GetEngine(ctx context.Context, workspaceID, key string) (*model.Engine, error) {
	var e model.Engine
	var lastRun sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, key, enabled, daily_budget_cents, timezone, last_run_at, avg_latency_ms
		 FROM engines WHERE workspace_id = ? AND key = ?`,
		workspaceID, key,
	).Scan(&e.ID, &e.WorkspaceID, &e.Key, &e.Enabled, &e.DailyBudgetCents, &e.Timezone, &lastRun, &e.AvgLatencyMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("engine", workspaceID+"/"+key)
		}
		return nil, eris.Wrapf(err, "sqlite: get engine %s", key)
	}
	if e.LastRunAt, err = parseNullTS(lastRun); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEngine creates or updates an engine's configuration.
func (s *SQLiteStore) UpsertEngine(ctx context.Context, e *model.Engine) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engines (id, workspace_id, key, enabled, daily_budget_cents, timezone)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, key) DO UPDATE SET
		   enabled = excluded.enabled, daily_budget_cents = excluded.daily_budget_cents, timezone = excluded.timezone`,
		e.ID, e.WorkspaceID, e.Key, e.Enabled, e.DailyBudgetCents, e.Timezone,
	)
	return eris.Wrapf(err, "sqlite: upsert engine %s", e.Key)
}

// RecordEngineRun stamps the last run time and folds latency into the
// rolling average in one statement.
func (s *SQLiteStore) RecordEngineRun(ctx context.Context, engineID string, at time.Time, latencyMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE engines SET last_run_at = ?,
		   avg_latency_ms = CASE WHEN avg_latency_ms <= 0 THEN ? ELSE (avg_latency_ms + ?) / 2 END
		 WHERE id = ?`,
		ts(at), latencyMs, latencyMs, engineID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record engine run %s", engineID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("engine", engineID)
	}
	return nil
}

// --- Workspaces, prompts, clusters ---

// GetWorkspace returns a workspace by id.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var w model.Workspace
	var aliases string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, brand_name, brand_domain, brand_aliases FROM workspaces WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.BrandName, &w.BrandDomain, &aliases)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("workspace", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get workspace %s", id)
	}
	if err := json.Unmarshal([]byte(aliases), &w.BrandAliases); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal brand aliases")
	}
	return &w, nil
}

// UpsertWorkspace creates or updates a workspace profile.
func (s *SQLiteStore) UpsertWorkspace(ctx context.Context, w *model.Workspace) error {
	aliases, err := json.Marshal(nonNil(w.BrandAliases))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal brand aliases")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, brand_name, brand_domain, brand_aliases) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, brand_name = excluded.brand_name,
		   brand_domain = excluded.brand_domain, brand_aliases = excluded.brand_aliases`,
		w.ID, w.Name, w.BrandName, w.BrandDomain, string(aliases),
	)
	return eris.Wrapf(err, "sqlite: upsert workspace %s", w.ID)
}

// GetPrompt returns a prompt by id.
func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	p, err := scanSQLitePrompt(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, cluster_id, text, created_at FROM prompts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("prompt", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get prompt %s", id)
	}
	return p, nil
}

// FindOrCreatePrompt returns the workspace prompt with text, creating it
// when absent.
func (s *SQLiteStore) FindOrCreatePrompt(ctx context.Context, workspaceID, clusterID, text string) (*model.Prompt, error) {
	p, err := scanSQLitePrompt(s.db.QueryRowContext(ctx,
		`INSERT INTO prompts (id, workspace_id, cluster_id, text, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, text) DO UPDATE SET
		   cluster_id = CASE WHEN prompts.cluster_id = '' THEN excluded.cluster_id ELSE prompts.cluster_id END
		 RETURNING id, workspace_id, cluster_id, text, created_at`,
		uuid.New().String(), workspaceID, clusterID, text, ts(time.Now()),
	))
	return p, eris.Wrap(err, "sqlite: find or create prompt")
}

func scanSQLitePrompt(row scannable) (*model.Prompt, error) {
	var p model.Prompt
	var created string
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.ClusterID, &p.Text, &created); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCluster returns a prompt cluster by id.
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	var c model.Cluster
	var texts string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, prompt_texts FROM clusters WHERE id = ?`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &texts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("cluster", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get cluster %s", id)
	}
	if err := json.Unmarshal([]byte(texts), &c.PromptTexts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal prompt texts")
	}
	return &c, nil
}

// UpsertCluster creates or updates a prompt cluster.
func (s *SQLiteStore) UpsertCluster(ctx context.Context, c *model.Cluster) error {
	texts, err := json.Marshal(nonNil(c.PromptTexts))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal prompt texts")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clusters (id, workspace_id, name, prompt_texts) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, prompt_texts = excluded.prompt_texts`,
		c.ID, c.WorkspaceID, c.Name, string(texts),
	)
	return eris.Wrapf(err, "sqlite: upsert cluster %s", c.ID)
}

// --- Batches ---

// CreateBatch inserts b unless a batch with its id exists.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) (bool, error) {
	if b.Status == "" {
		b.Status = model.BatchStatusRunning
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		b.ID, b.WorkspaceID, string(b.Kind), b.BrandName, b.BrandDomain,
		b.TotalJobs, b.CompletedJobs, b.FailedJobs, b.Progress, string(b.Status),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: create batch %s", b.ID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetBatch returns a batch by id.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("batch", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	return b, nil
}

// AddBatchResult atomically applies d and recomputes progress and status.
func (s *SQLiteStore) AddBatchResult(ctx context.Context, id string, d BatchDelta) (*model.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`UPDATE batches SET
		   completed_jobs = completed_jobs + :c,
		   failed_jobs = failed_jobs + :f,
		   progress = CASE WHEN total_jobs > 0
		     THEN min(100, ((completed_jobs + :c + failed_jobs + :f) * 100) / total_jobs) ELSE 0 END,
		   status = CASE WHEN total_jobs > 0 AND completed_jobs + :c + failed_jobs + :f >= total_jobs
		     THEN CASE WHEN completed_jobs + :c = 0 THEN 'analysis_failed' ELSE 'analysis_complete' END
		     ELSE status END
		 WHERE id = :id
		 RETURNING `+batchColumns,
		sql.Named("c", d.Completed), sql.Named("f", d.Failed), sql.Named("id", id),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("batch", id)
		}
		return nil, eris.Wrapf(err, "sqlite: update batch %s", id)
	}
	return b, nil
}

// --- Knowledge and hallucinations ---

// GetKnowledgeProfile returns a workspace's facts.
func (s *SQLiteStore) GetKnowledgeProfile(ctx context.Context, workspaceID string) (*model.KnowledgeProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, value, keywords FROM knowledge_facts WHERE workspace_id = ? ORDER BY topic`, workspaceID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get knowledge profile")
	}
	defer rows.Close() //nolint:errcheck

	p := &model.KnowledgeProfile{WorkspaceID: workspaceID}
	for rows.Next() {
		var f model.Fact
		var keywords string
		if err := rows.Scan(&f.Topic, &f.Value, &keywords); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		if err := json.Unmarshal([]byte(keywords), &f.Keywords); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fact keywords")
		}
		p.Facts = append(p.Facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: knowledge profile iterate")
	}
	if len(p.Facts) == 0 {
		return nil, notFound("knowledge profile", workspaceID)
	}
	return p, nil
}

// PutKnowledgeProfile replaces a workspace's facts in one transaction.
func (s *SQLiteStore) PutKnowledgeProfile(ctx context.Context, p *model.KnowledgeProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin knowledge tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_facts WHERE workspace_id = ?`, p.WorkspaceID); err != nil {
		return eris.Wrap(err, "sqlite: clear knowledge facts")
	}
	for _, f := range p.Facts {
		keywords, err := json.Marshal(nonNil(f.Keywords))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal fact keywords")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_facts (workspace_id, topic, value, keywords) VALUES (?, ?, ?, ?)`,
			p.WorkspaceID, f.Topic, f.Value, string(keywords),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert fact")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit knowledge")
}

// CreateHallucination records a flagged answer sentence.
func (s *SQLiteStore) CreateHallucination(ctx context.Context, h *model.Hallucination) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hallucinations (id, answer_id, workspace_id, topic, expected, snippet) VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.AnswerID, h.WorkspaceID, h.Topic, h.Expected, h.Snippet,
	)
	return eris.Wrap(err, "sqlite: insert hallucination")
}

// --- Extraction cache ---

// GetCacheEntry returns a cached extraction by key.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var payload, extracted string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, prompt_id, engine_key, payload, model, confidence, extracted_at FROM extraction_cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.PromptID, &e.EngineKey, &payload, &e.Model, &e.Confidence, &extracted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("cache entry", key)
		}
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	if e.ExtractedAt, err = parseTS(extracted); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// PutCacheEntry stores a cached extraction. The last write for a key wins.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_cache (key, prompt_id, engine_key, payload, model, confidence, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, model = excluded.model,
		   confidence = excluded.confidence, extracted_at = excluded.extracted_at`,
		e.Key, e.PromptID, e.EngineKey, string(e.Payload), e.Model, e.Confidence, ts(e.ExtractedAt),
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

// --- Job queue ---

// EnqueueJob inserts j unless its key is already queued.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, j *model.QueuedJob) (bool, error) {
	fillJob(j)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		j.ID, j.Key, string(j.Kind), string(j.Payload), string(j.Status), j.Attempts, j.MaxAttempts,
		ts(j.NextRunAt), j.LastError, ts(j.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue job %s", j.Key)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimJobs leases up to limit ready jobs. Running jobs whose lease has
// lapsed are reclaimed.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.QueuedJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, next_run_at = ?
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status IN ('queued', 'running') AND next_run_at <= ?
		   ORDER BY next_run_at
		   LIMIT ?
		 )
		 RETURNING `+jobColumns,
		ts(now.Add(lease)), ts(now), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.QueuedJob
	for rows.Next() {
		var j model.QueuedJob
		var payload, next, created string
		if err := rows.Scan(&j.ID, &j.Key, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
			&next, &j.LastError, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j.Payload = json.RawMessage(payload)
		if j.NextRunAt, err = parseTS(next); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: claim jobs iterate")
}

// CompleteJob marks a job done.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	return s.setJob(ctx, id, `UPDATE jobs SET status = 'done' WHERE id = ?`, id)
}

// RetryJob requeues a job for nextRunAt.
func (s *SQLiteStore) RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastErr string) error {
	return s.setJob(ctx, id,
		`UPDATE jobs SET status = 'queued', next_run_at = ?, last_error = ? WHERE id = ?`,
		ts(nextRunAt), lastErr, id)
}

// KillJob dead-letters a job.
func (s *SQLiteStore) KillJob(ctx context.Context, id string, lastErr string) error {
	return s.setJob(ctx, id, `UPDATE jobs SET status = 'dead', last_error = ? WHERE id = ?`, lastErr, id)
}

func (s *SQLiteStore) setJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("job", id)
	}
	return nil
}

// CountJobs counts jobs in a status.
func (s *SQLiteStore) CountJobs(ctx context.Context, status model.QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count jobs")
}
