// Package orchestrator executes prompt jobs end to end: idempotency and
// budget guards, provider routing, extraction, persistence, batch progress
// and the best-effort hallucination check. It also expands cluster scans
// into prompt jobs.
package orchestrator

import (
	"context"
	"time"

	"github.com/sells-group/visibility-cli/internal/cache"
	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/extract"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/provider"
	"github.com/sells-group/visibility-cli/internal/store"
)

// Router answers a prompt with one engine and an already-resolved key.
type Router interface {
	RouteWithKey(ctx context.Context, kind provider.Kind, apiKey, prompt string) *provider.Result
}

// Extractor turns an answer into a structured bundle.
type Extractor interface {
	Extract(ctx context.Context, answer, question string, brands []string, opts extract.Options) model.ExtractionResult
}

// Enqueuer schedules prompt jobs produced by a cluster scan.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, payload any) (bool, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxPromptsPerCluster int
	BrandLookupAttempts  int
	BrandLookupDelay     time.Duration
	MinCredentialLength  int
	Extraction           extract.Options
}

// ConfigFrom maps application configuration onto orchestrator settings.
func ConfigFrom(cfg *config.Config) Config {
	opts := extract.DefaultOptions()
	if cfg.Extraction.Strategy != "" {
		opts.Strategy = extract.Strategy(cfg.Extraction.Strategy)
	}
	if cfg.Extraction.BrandMinConfidence > 0 {
		opts.BrandMinConfidence = cfg.Extraction.BrandMinConfidence
	}
	if cfg.Extraction.CompetitorMinConfidence > 0 {
		opts.CompetitorMinConfidence = cfg.Extraction.CompetitorMinConfidence
	}
	if cfg.Extraction.MaxAnswerChars > 0 {
		opts.MaxAnswerChars = cfg.Extraction.MaxAnswerChars
	}
	return Config{
		MaxPromptsPerCluster: cfg.Orchestrator.MaxPromptsPerCluster,
		BrandLookupAttempts:  cfg.Orchestrator.BrandLookupAttempts,
		BrandLookupDelay:     time.Duration(cfg.Orchestrator.BrandLookupDelayMs) * time.Millisecond,
		MinCredentialLength:  cfg.Orchestrator.MinCredentialLength,
		Extraction:           opts,
	}
}

func (c Config) withDefaults() Config {
	if c.BrandLookupAttempts <= 0 {
		c.BrandLookupAttempts = 3
	}
	if c.BrandLookupDelay < 0 {
		c.BrandLookupDelay = 0
	}
	if c.Extraction.Strategy == "" {
		c.Extraction = extract.DefaultOptions()
	}
	return c
}

// Stage names the step whose failure was swallowed.
type Stage string

// Advisory stages.
const (
	StageCacheLookup   Stage = "cache_lookup"
	StageCacheStore    Stage = "cache_store"
	StageBrandContext  Stage = "brand_context"
	StageMention       Stage = "mention"
	StageHallucination Stage = "hallucination"
	StageRunStatus     Stage = "run_status"
	StageEngineStats   Stage = "engine_stats"
	StageBatch         Stage = "batch"
)

// Advisory is a non-fatal failure recorded during a job.
type Advisory struct {
	Stage Stage
	Err   error
}

// Outcome reports what one prompt job did.
type Outcome struct {
	RunID          string
	Duplicate      bool
	Status         model.RunStatus
	ProviderUsed   provider.Kind
	CostCents      int64
	LatencyMs      int64
	CacheHit       bool
	Mentions       int
	Citations      int
	Hallucinations int
	Advisories     []Advisory
}

func (o *Outcome) advise(stage Stage, err error) {
	o.Advisories = append(o.Advisories, Advisory{Stage: stage, Err: err})
}

// Orchestrator processes prompt and cluster-scan jobs.
type Orchestrator struct {
	store     store.Store
	router    Router
	extractor Extractor
	cache     *cache.Cache
	creds     provider.CredentialSource
	enqueuer  Enqueuer
	cfg       Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. The extraction cache is backed by st.
func New(st store.Store, router Router, extractor Extractor, creds provider.CredentialSource, enqueuer Enqueuer, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		router:    router,
		extractor: extractor,
		cache:     cache.New(st),
		creds:     creds,
		enqueuer:  enqueuer,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithEnqueuer returns a copy of o that schedules cluster-scan jobs through e.
func (o *Orchestrator) WithEnqueuer(e Enqueuer) *Orchestrator {
	c := *o
	c.enqueuer = e
	return &c
}
