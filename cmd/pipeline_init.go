package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/extract"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
	"github.com/sells-group/visibility-cli/internal/provider"
	"github.com/sells-group/visibility-cli/internal/queue"
	"github.com/sells-group/visibility-cli/internal/store"
)

// pipelineEnv holds the store, router, queue and orchestrator used by the
// run/scan/work/serve commands.
type pipelineEnv struct {
	Store        store.Store
	Router       *provider.Router
	Queue        *queue.Queue
	Orchestrator *orchestrator.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Router != nil {
		_ = pe.Router.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates configuration for mode, opens and migrates the
// store, and wires the router, extraction engine, queue and orchestrator.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	router, err := provider.NewRouterFromConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init router")
	}

	engine := extract.NewEngine(initExtractionLLM(ctx), cfg.Anthropic.ExtractionModel)
	q := queue.New(st, cfg.Worker.MaxAttempts)
	orch := orchestrator.New(st, router, engine, cfg.Credentials, q, orchestrator.ConfigFrom(cfg))

	return &pipelineEnv{
		Store:        st,
		Router:       router,
		Queue:        q,
		Orchestrator: orch,
	}, nil
}

// initExtractionLLM builds the model used for structured extraction. A
// missing credential or rule-only strategy leaves extraction on rules.
func initExtractionLLM(ctx context.Context) extract.LLM {
	if cfg.Extraction.Strategy != string(extract.StrategyLLM) {
		return nil
	}
	kind, ok := provider.ParseKind(cfg.Extraction.LLMProvider)
	if !ok {
		zap.L().Warn("unknown extraction provider, using rule extraction",
			zap.String("provider", cfg.Extraction.LLMProvider))
		return nil
	}
	key, ok := cfg.Credentials.Lookup(string(kind))
	if !ok {
		zap.L().Warn("extraction provider has no credential, using rule extraction",
			zap.String("provider", string(kind)))
		return nil
	}

	modelName := ""
	if kind == provider.KindAnthropic {
		modelName = cfg.Anthropic.ExtractionModel
	}
	p, err := provider.Build(ctx, kind, key, provider.NewEnv(cfg), modelName)
	if err != nil {
		zap.L().Warn("extraction provider init failed, using rule extraction",
			zap.String("provider", strings.ToLower(string(kind))), zap.Error(err))
		return nil
	}
	return p
}
