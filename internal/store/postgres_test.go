package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_InsertPromptRun_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prompt_runs .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "ws", "p1", "OPENAI", "k1", "", "PENDING", int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.InsertPromptRun(context.Background(), &model.PromptRun{
		WorkspaceID: "ws", PromptID: "p1", EngineKey: "OPENAI", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPromptRun_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prompt_runs`).
		WithArgs(pgxmock.AnyArg(), "ws", "p1", "OPENAI", "k1", "b1", "PENDING", int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &model.PromptRun{WorkspaceID: "ws", PromptID: "p1", EngineKey: "OPENAI", IdempotencyKey: "k1", BatchID: "b1"}
	created, err := s.InsertPromptRun(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPromptRunByKey_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM prompt_runs WHERE idempotency_key = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPromptRunByKey(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletePromptRun_GuardedByPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	finished := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE prompt_runs SET status = \$1.* WHERE id = \$5 AND status = 'PENDING'`).
		WithArgs("SUCCESS", int64(4), finished, "", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE prompt_runs`).
		WithArgs("FAILED", int64(0), finished, "boom", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, s.CompletePromptRun(ctx, "run-1", model.RunCompletion{Status: model.RunStatusSuccess, CostCents: 4, FinishedAt: finished}))
	err := s.CompletePromptRun(ctx, "run-1", model.RunCompletion{Status: model.RunStatusFailed, FinishedAt: finished, Error: "boom"})
	assert.True(t, errors.Is(err, ErrRunTerminal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SumEngineCostSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_cents\), 0\)::BIGINT FROM prompt_runs`).
		WithArgs("ws", "OPENAI", since).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(42)))

	total, err := s.SumEngineCostSince(context.Background(), "ws", "OPENAI", since)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunStatsSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"total", "success", "failed", "pending", "cost"}).
			AddRow(10, 7, 2, 1, int64(93)))

	stats, err := s.RunStatsSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, model.RunStats{Total: 10, Success: 7, Failed: 2, Pending: 1, CostCents: 93}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * time.Minute)

	mock.ExpectQuery(`UPDATE prompt_runs SET status = 'FAILED'.* WHERE status = 'PENDING' AND started_at < \$1\s+RETURNING`).
		WithArgs(cutoff, now, "lease expired").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "prompt_id", "engine_key", "idempotency_key", "batch_id",
			"status", "cost_cents", "started_at", "finished_at", "error",
		}).AddRow("run-1", "ws", "p1", "OPENAI", "k1", "b1", "FAILED", int64(0), now.Add(-time.Hour), &now, "lease expired"))

	runs, err := s.FailStaleRuns(context.Background(), cutoff, now, "lease expired")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b1", runs[0].BatchID)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newAnswerWrite() *AnswerWrite {
	return &AnswerWrite{
		Answer: &model.Answer{ID: "a1", PromptRunID: "run-1", RawText: "Acme leads."},
		Mentions: []model.Mention{
			{ID: "m1", Brand: "Acme", Sentiment: model.SentimentPositive},
			{ID: "m2", Brand: "Globex", Position: 30, Sentiment: model.SentimentNeutral},
		},
		Citations: []model.Citation{
			{ID: "c1", URL: "https://acme.com", Domain: "acme.com", Rank: 1, Confidence: 0.95},
			{ID: "c2", URL: "https://globex.com", Domain: "globex.com", Rank: 2, Confidence: 0.8},
		},
		Completion: model.RunCompletion{
			Status: model.RunStatusSuccess, CostCents: 6,
			FinishedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestPostgresStore_SaveAnswer_Tx(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	w := newAnswerWrite()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO answers`).
		WithArgs("a1", "run-1", "Acme leads.", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO mentions`).
		WithArgs("m1", "a1", "Acme", 0, "positive", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^RELEASE SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectExec(`^SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO mentions`).
		WithArgs("m2", "a1", "Globex", 30, "neutral", "").
		WillReturnError(errors.New("duplicate key value"))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"citations"}, citationColumns).WillReturnResult(2)
	mock.ExpectExec(`UPDATE prompt_runs SET status = \$1.* AND status = 'PENDING'`).
		WithArgs("SUCCESS", int64(6), w.Completion.FinishedAt, "", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	saved, err := s.SaveAnswer(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Mentions)
	assert.Equal(t, int64(2), saved.Citations)
	require.Len(t, saved.MentionErrs, 1)
	assert.Contains(t, saved.MentionErrs[0].Error(), "Globex")
	assert.Equal(t, "a1", w.Citations[1].AnswerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAnswer_CitationFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	w := newAnswerWrite()
	w.Mentions = w.Mentions[:1]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO answers`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO mentions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^RELEASE SAVEPOINT mention$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"citations"}, citationColumns).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err := s.SaveAnswer(context.Background(), w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "citations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAnswer_TerminalRunRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	w := newAnswerWrite()
	w.Mentions = nil
	w.Citations = nil

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO answers`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE prompt_runs`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.SaveAnswer(context.Background(), w)
	assert.True(t, errors.Is(err, ErrRunTerminal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAnswerByRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM answers WHERE prompt_run_id = \$1`).
		WithArgs("run-9").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAnswerByRun(context.Background(), "run-9")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddBatchResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE batches SET\s+completed_jobs = completed_jobs \+ \$2`).
		WithArgs("b1", 1, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "kind", "brand_name", "brand_domain",
			"total_jobs", "completed_jobs", "failed_jobs", "progress", "status",
		}).AddRow("b1", "ws", model.BatchKindClusterScan, "", "", 2, 2, 0, 100, model.BatchStatusAnalysisComplete))

	b, err := s.AddBatchResult(context.Background(), "b1", BatchDelta{Completed: 1})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAnalysisComplete, b.Status)
	assert.True(t, b.Done())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddBatchResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE batches`).WithArgs("nope", 0, 1).WillReturnError(pgx.ErrNoRows)

	_, err := s.AddBatchResult(context.Background(), "nope", BatchDelta{Failed: 1})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEngine(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, workspace_id, key, enabled.* FROM engines WHERE workspace_id = \$1 AND key = \$2`).
		WithArgs("ws", "OPENAI").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "key", "enabled", "daily_budget_cents", "timezone", "last_run_at", "avg_latency_ms",
		}).AddRow("e1", "ws", "OPENAI", true, int64(500), "UTC", &last, int64(300)))

	e, err := s.GetEngine(context.Background(), "ws", "OPENAI")
	require.NoError(t, err)
	assert.Equal(t, int64(500), e.DailyBudgetCents)
	require.NotNil(t, e.LastRunAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEngineRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE engines SET last_run_at = \$1`).
		WithArgs(at, int64(120), "e9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordEngineRun(context.Background(), "e9", at, 120)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutKnowledgeProfile_Tx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM knowledge_facts WHERE workspace_id = \$1`).
		WithArgs("ws").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"knowledge_facts"}, []string{"workspace_id", "topic", "value", "keywords"}).
		WillReturnResult(1)
	mock.ExpectCommit()

	err := s.PutKnowledgeProfile(context.Background(), &model.KnowledgeProfile{
		WorkspaceID: "ws",
		Facts:       []model.Fact{{Topic: "founded", Value: "2013", Keywords: []string{"founded"}}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, prompt_id.* FROM extraction_cache WHERE key = \$1`).
		WithArgs("abc").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCacheEntry(context.Background(), "abc")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO extraction_cache .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("abc", "p", "X", `{"a":1}`, "m", 0.9, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutCacheEntry(context.Background(), model.CacheEntry{
		Key: "abc", PromptID: "p", EngineKey: "X", Payload: []byte(`{"a":1}`), Model: "m", Confidence: 0.9, ExtractedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE jobs SET status = 'running'.*FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 5, now.Add(time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "key", "kind", "payload", "status", "attempts", "max_attempts", "next_run_at", "last_error", "created_at",
		}).AddRow("j1", "k1", model.JobKindPrompt, []byte(`{"promptId":"p"}`), model.QueueStatusRunning, 1, 5, now.Add(time.Minute), "", now))

	jobs, err := s.ClaimJobs(context.Background(), 5, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "k1", jobs[0].Key)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueJob_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs .* ON CONFLICT \(key\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "k1", "prompt", pgxmock.AnyArg(), "queued",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.EnqueueJob(context.Background(), &model.QueuedJob{Key: "k1", Kind: model.JobKindPrompt, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "sqlite", DatabaseURL: t.TempDir() + "/o.db"})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
}
