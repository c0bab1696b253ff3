package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/extract"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/provider"
	"github.com/sells-group/visibility-cli/internal/queue"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/internal/store"
)

// answerMeta is persisted as the answer's meta document.
type answerMeta struct {
	Provider    provider.Meta            `json:"provider"`
	Extraction  model.ExtractionMetadata `json:"extraction"`
	Competitors []model.Competitor       `json:"competitors"`
	Sentiment   model.Sentiment          `json:"sentiment"`
	Insights    []string                 `json:"insights"`
	CacheKey    string                   `json:"cache_key"`
	CacheHit    bool                     `json:"cache_hit"`
}

// HandlePrompt executes one prompt job. A repeated delivery of the same
// idempotency key is a no-op reported with Outcome.Duplicate. Failures are
// persisted on the run and returned; deterministic ones are marked
// queue.Permanent.
func (o *Orchestrator) HandlePrompt(ctx context.Context, job model.PromptJob) (*Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}
	engineKey := strings.ToUpper(strings.TrimSpace(job.EngineKey))
	log := zap.L().With(
		zap.String("workspace_id", job.WorkspaceID),
		zap.String("prompt_id", job.PromptID),
		zap.String("engine", engineKey),
		zap.String("idempotency_key", job.IdempotencyKey),
	)

	run := &model.PromptRun{
		ID:             uuid.NewString(),
		WorkspaceID:    job.WorkspaceID,
		PromptID:       job.PromptID,
		EngineKey:      engineKey,
		IdempotencyKey: job.IdempotencyKey,
		BatchID:        job.DemoRunID,
		Status:         model.RunStatusPending,
		StartedAt:      o.now(),
	}
	created, err := o.store.InsertPromptRun(ctx, run)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: insert prompt run")
	}
	if !created {
		out := &Outcome{Duplicate: true}
		if existing, err := o.store.GetPromptRunByKey(ctx, job.IdempotencyKey); err == nil {
			out.RunID = existing.ID
			out.Status = existing.Status
		}
		log.Info("orchestrator: duplicate delivery, skipping", zap.String("run_id", out.RunID))
		return out, nil
	}

	log = log.With(zap.String("run_id", run.ID))
	log.Info("orchestrator: job started")
	out := &Outcome{RunID: run.ID, Status: model.RunStatusPending}

	if err := o.execute(ctx, log, job, engineKey, run, out); err != nil {
		return out, o.fail(ctx, log, job, run, out, err)
	}
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, job model.PromptJob, engineKey string, run *model.PromptRun, out *Outcome) error {
	prompt, err := o.store.GetPrompt(ctx, job.PromptID)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: resolve prompt %s", job.PromptID)
	}
	if prompt.WorkspaceID != job.WorkspaceID {
		return eris.Wrapf(model.ErrNotFound, "orchestrator: prompt %s in workspace %s", job.PromptID, job.WorkspaceID)
	}
	engine, err := o.store.GetEngine(ctx, job.WorkspaceID, engineKey)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: resolve engine %s", engineKey)
	}
	if !engine.Enabled {
		return eris.Wrapf(model.ErrEngineDisabled, "orchestrator: engine %s", engineKey)
	}

	// Read-then-decide: concurrent jobs near the limit can both pass.
	// A zero budget is unlimited.
	if engine.DailyBudgetCents > 0 {
		since := engine.DayStart(o.now())
		spent, err := o.store.SumEngineCostSince(ctx, job.WorkspaceID, engineKey, since)
		if err != nil {
			return eris.Wrap(err, "orchestrator: sum engine cost")
		}
		if spent >= engine.DailyBudgetCents {
			return eris.Wrapf(model.ErrBudgetExceeded, "orchestrator: engine %s spent %d of %d cents", engineKey, spent, engine.DailyBudgetCents)
		}
	}

	kind, ok := provider.ParseKind(engineKey)
	if !ok {
		return eris.Wrapf(model.ErrEngineDisabled, "orchestrator: no provider for engine %s", engineKey)
	}
	apiKey, ok := o.creds.Lookup(engineKey)
	if !ok {
		return eris.Wrapf(model.ErrCredentialMissing, "orchestrator: engine %s", engineKey)
	}
	if !provider.ValidKey(apiKey, o.cfg.MinCredentialLength) {
		return eris.Wrapf(model.ErrCredentialInvalid, "orchestrator: engine %s", engineKey)
	}

	start := o.now()
	res := o.router.RouteWithKey(ctx, kind, apiKey, prompt.Text)
	latency := o.now().Sub(start).Milliseconds()
	if err := res.Err(); err != nil {
		return err
	}
	out.ProviderUsed = res.ProviderUsed
	out.CostCents = res.CostCents
	out.LatencyMs = latency
	res.Meta.LatencyMs = latency
	log.Info("orchestrator: provider answered",
		zap.String("provider", string(res.ProviderUsed)),
		zap.Int64("cost_cents", res.CostCents),
		zap.Int64("latency_ms", latency))

	var batch *model.Batch
	if job.DemoRunID != "" {
		if batch, err = o.store.GetBatch(ctx, job.DemoRunID); err != nil {
			log.Warn("orchestrator: batch lookup failed", zap.String("batch_id", job.DemoRunID), zap.Error(err))
			out.advise(StageBatch, err)
			batch = nil
		}
	}
	brands := o.brandContext(ctx, job.WorkspaceID, batch, out)

	data, cacheKey := o.extract(ctx, res, prompt, engineKey, brands, out)

	meta, err := json.Marshal(answerMeta{
		Provider:    res.Meta,
		Extraction:  data.Metadata,
		Competitors: data.Competitors,
		Sentiment:   data.Sentiment,
		Insights:    data.Insights,
		CacheKey:    cacheKey,
		CacheHit:    out.CacheHit,
	})
	if err != nil {
		return eris.Wrap(err, "orchestrator: marshal answer meta")
	}
	answer := &model.Answer{
		ID:          uuid.NewString(),
		PromptRunID: run.ID,
		RawText:     res.AnswerText,
		Meta:        meta,
		CreatedAt:   o.now(),
	}
	w := &store.AnswerWrite{
		Answer:    answer,
		Mentions:  make([]model.Mention, 0, len(data.Mentions)),
		Citations: make([]model.Citation, 0, len(data.Citations)),
	}
	for _, m := range data.Mentions {
		w.Mentions = append(w.Mentions, model.Mention{
			ID:        uuid.NewString(),
			Brand:     m.Brand,
			Position:  m.Position,
			Sentiment: m.Sentiment,
			Snippet:   m.Snippet,
		})
	}
	for _, c := range data.Citations {
		w.Citations = append(w.Citations, model.Citation{
			ID:         uuid.NewString(),
			URL:        c.URL,
			Domain:     c.Domain,
			Rank:       c.Rank,
			Confidence: c.Confidence,
		})
	}
	cost := res.CostCents
	if !out.CacheHit {
		cost += data.Metadata.CostCents
	}
	w.Completion = model.RunCompletion{
		Status:     model.RunStatusSuccess,
		CostCents:  cost,
		FinishedAt: o.now(),
	}

	saved, err := o.store.SaveAnswer(ctx, w)
	if err != nil {
		return eris.Wrap(err, "orchestrator: save answer")
	}
	for _, merr := range saved.MentionErrs {
		log.Warn("orchestrator: mention skipped", zap.Error(merr))
		out.advise(StageMention, merr)
	}
	out.Mentions = saved.Mentions
	out.Citations = int(saved.Citations)
	out.CostCents = cost
	out.Status = model.RunStatusSuccess

	o.checkHallucinations(ctx, log, job.WorkspaceID, answer, brands, out)

	if err := o.store.RecordEngineRun(ctx, engine.ID, o.now(), latency); err != nil {
		log.Warn("orchestrator: engine stats update failed", zap.Error(err))
		out.advise(StageEngineStats, err)
	}
	o.bumpBatch(ctx, log, job.DemoRunID, store.BatchDelta{Completed: 1}, out)

	log.Info("orchestrator: job succeeded",
		zap.Bool("cache_hit", out.CacheHit),
		zap.Int("mentions", out.Mentions),
		zap.Int("citations", out.Citations),
		zap.Int("advisories", len(out.Advisories)))
	return nil
}

// extract returns the bundle for the answer from the cache or a live
// extraction. Cache failures only add advisories.
func (o *Orchestrator) extract(ctx context.Context, res *provider.Result, prompt *model.Prompt, engineKey string, brands []string, out *Outcome) (model.ExtractionResult, string) {
	lookup := o.cache.Get(ctx, res.AnswerText, prompt.ID, engineKey)
	if lookup.Err != nil {
		out.advise(StageCacheLookup, lookup.Err)
	}
	if lookup.Hit {
		out.CacheHit = true
		data := *lookup.Data
		data.Mentions = extract.MergeMentions(data.Mentions, nil)
		return data, lookup.Key
	}

	opts := o.cfg.Extraction
	opts.NativeCitations = res.Meta.Citations
	data := o.extractor.Extract(ctx, res.AnswerText, prompt.Text, brands, opts)
	data.Mentions = extract.MergeMentions(data.Mentions, nil)
	if err := o.cache.Put(ctx, res.AnswerText, prompt.ID, engineKey, data, data.Metadata); err != nil {
		out.advise(StageCacheStore, err)
	}
	return data, lookup.Key
}

// checkHallucinations compares the answer against the workspace knowledge
// profile. Every failure, including a panic, is swallowed.
func (o *Orchestrator) checkHallucinations(ctx context.Context, log *zap.Logger, workspaceID string, answer *model.Answer, brands []string, out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := eris.Errorf("orchestrator: hallucination check panic: %v", r)
			log.Error("orchestrator: hallucination check panicked", zap.Error(err))
			out.advise(StageHallucination, err)
		}
	}()

	if len(brands) == 0 {
		return
	}
	profile, err := o.store.GetKnowledgeProfile(ctx, workspaceID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			log.Warn("orchestrator: knowledge profile unavailable", zap.Error(err))
			out.advise(StageHallucination, err)
		}
		return
	}
	for _, f := range DetectHallucinations(answer.RawText, brands, profile) {
		err := o.store.CreateHallucination(ctx, &model.Hallucination{
			ID:          uuid.NewString(),
			AnswerID:    answer.ID,
			WorkspaceID: workspaceID,
			Topic:       f.Topic,
			Expected:    f.Expected,
			Snippet:     f.Snippet,
		})
		if err != nil {
			log.Warn("orchestrator: hallucination flag not stored", zap.String("topic", f.Topic), zap.Error(err))
			out.advise(StageHallucination, err)
			continue
		}
		out.Hallucinations++
	}
}

func (o *Orchestrator) bumpBatch(ctx context.Context, log *zap.Logger, batchID string, d store.BatchDelta, out *Outcome) {
	if batchID == "" {
		return
	}
	b, err := o.store.AddBatchResult(ctx, batchID, d)
	if err != nil {
		log.Warn("orchestrator: batch counter update failed", zap.String("batch_id", batchID), zap.Error(err))
		out.advise(StageBatch, err)
		return
	}
	log.Debug("orchestrator: batch progress",
		zap.String("batch_id", b.ID),
		zap.Int("progress", b.Progress),
		zap.String("status", string(b.Status)))
}

// fail records a failed run and returns err for the queue. Deterministic
// failures are marked permanent.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, job model.PromptJob, run *model.PromptRun, out *Outcome, err error) error {
	class := resilience.Classify(err)
	log.Error("orchestrator: job failed", zap.String("class", string(class)), zap.Error(err))

	werr := o.store.CompletePromptRun(ctx, run.ID, model.RunCompletion{
		Status:     model.RunStatusFailed,
		FinishedAt: o.now(),
		Error:      fmt.Sprintf("[%s] %s", class, err.Error()),
	})
	switch {
	case errors.Is(werr, store.ErrRunTerminal):
		// Already settled elsewhere, e.g. by the stale run reaper, which
		// also counted it on the batch.
		log.Warn("orchestrator: run already terminal", zap.Error(werr))
		out.advise(StageRunStatus, werr)
	case werr != nil:
		log.Warn("orchestrator: could not persist failed status", zap.Error(werr))
		out.advise(StageRunStatus, werr)
		o.bumpBatch(ctx, log, job.DemoRunID, store.BatchDelta{Failed: 1}, out)
	default:
		out.Status = model.RunStatusFailed
		o.bumpBatch(ctx, log, job.DemoRunID, store.BatchDelta{Failed: 1}, out)
	}

	if deterministic(err) {
		return queue.Permanent(err)
	}
	return err
}

func deterministic(err error) bool {
	for _, target := range []error{
		model.ErrNotFound,
		model.ErrEngineDisabled,
		model.ErrBudgetExceeded,
		model.ErrCredentialMissing,
		model.ErrCredentialInvalid,
		model.ErrAuthenticationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
