package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/extract"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/provider"
	"github.com/sells-group/visibility-cli/internal/store"
)

// fakeRouter answers every prompt with the configured result.
type fakeRouter struct {
	calls  atomic.Int32
	answer string
	cost   int64
	fail   error
	native []string
}

func (r *fakeRouter) RouteWithKey(_ context.Context, kind provider.Kind, _, _ string) *provider.Result {
	r.calls.Add(1)
	if r.fail != nil {
		return &provider.Result{
			Response: provider.Response{AnswerText: "All providers failed"},
			Fallback: true,
			Reason:   r.fail,
		}
	}
	return &provider.Result{
		Response: provider.Response{
			AnswerText: r.answer,
			CostCents:  r.cost,
			Meta:       provider.Meta{Provider: kind, Model: "test-model", Citations: r.native},
		},
		ProviderUsed: kind,
	}
}

// countingExtractor runs the rule-based engine and counts invocations.
// cost stands in for a secondary model call.
type countingExtractor struct {
	calls  atomic.Int32
	cost   int64
	engine *extract.Engine
}

func newCountingExtractor() *countingExtractor {
	return &countingExtractor{engine: extract.NewEngine(nil, "")}
}

func (e *countingExtractor) Extract(ctx context.Context, answer, question string, brands []string, opts extract.Options) model.ExtractionResult {
	e.calls.Add(1)
	res := e.engine.Extract(ctx, answer, question, brands, opts)
	res.Metadata.CostCents = e.cost
	return res
}

// recordingEnqueuer keeps enqueued jobs in memory with insert-if-absent keys.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs map[string]any
	keys []string
}

func (q *recordingEnqueuer) Enqueue(_ context.Context, key string, payload any) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.jobs == nil {
		q.jobs = make(map[string]any)
	}
	if _, ok := q.jobs[key]; ok {
		return false, nil
	}
	q.jobs[key] = payload
	q.keys = append(q.keys, key)
	return true, nil
}

// flakyStore fails selected writes. Duplicate row IDs make the real
// store hit unique violations inside SaveAnswer.
type flakyStore struct {
	store.Store
	dupMentions  bool
	dupCitations bool
	profileErr   error
	beforeSave   func()

	last *store.AnswerWrite
}

func (s *flakyStore) SaveAnswer(ctx context.Context, w *store.AnswerWrite) (*store.AnswerSaved, error) {
	s.last = w
	if s.beforeSave != nil {
		s.beforeSave()
	}
	if s.dupMentions {
		for i := range w.Mentions {
			w.Mentions[i].ID = w.Mentions[0].ID
		}
	}
	if s.dupCitations {
		for i := range w.Citations {
			w.Citations[i].ID = w.Citations[0].ID
		}
	}
	return s.Store.SaveAnswer(ctx, w)
}

func (s *flakyStore) GetKnowledgeProfile(ctx context.Context, workspaceID string) (*model.KnowledgeProfile, error) {
	if s.profileErr != nil {
		return nil, s.profileErr
	}
	return s.Store.GetKnowledgeProfile(ctx, workspaceID)
}

var errDBDown = eris.New("db down")
