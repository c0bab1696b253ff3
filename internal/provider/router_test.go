package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
)

const testKey = "sk-test-0123456789abcdef"

func noRetry() resilience.Policy {
	return resilience.Policy{Attempts: 1, BaseDelay: time.Millisecond}
}

func stubRouter(creds config.Credentials, order []Kind, stubs map[Kind]*stubProvider, opts ...Option) *Router {
	build := func(_ context.Context, kind Kind, _ string) (Provider, error) {
		s, ok := stubs[kind]
		if !ok {
			return nil, errors.New("no stub for " + string(kind))
		}
		return s, nil
	}
	all := append([]Option{
		WithBuilder(build),
		WithOrder(order),
		WithRetryPolicy(noRetry()),
		WithMinKeyLength(20),
	}, opts...)
	return NewRouter(creds, Env{}, all...)
}

func TestRoute_PrimaryPromotedThenFixedOrder(t *testing.T) {
	var calls []Kind
	a, b, c := Kind("OPENAI"), Kind("ANTHROPIC"), Kind("PERPLEXITY")
	stubs := map[Kind]*stubProvider{
		a: {kind: a, errs: []error{errors.New("a exploded")}, log: &calls},
		b: {kind: b, errs: []error{errors.New("b exploded")}, log: &calls},
		c: {kind: c, log: &calls},
	}
	creds := config.Credentials{"OPENAI": testKey, "ANTHROPIC": testKey, "PERPLEXITY": testKey}

	r := stubRouter(creds, []Kind{a, b, c}, stubs)
	res := r.Route(context.Background(), "ws-1", "best crm?", b)

	require.False(t, res.Fallback)
	assert.Equal(t, []Kind{b, a, c}, calls)
	assert.Equal(t, c, res.ProviderUsed)
	assert.Equal(t, "PERPLEXITY says best crm?", res.AnswerText)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, b, res.Attempts[0].Provider)
	assert.Equal(t, "b exploded", res.Attempts[0].Error)
	assert.Equal(t, a, res.Attempts[1].Provider)
	assert.Equal(t, res.Attempts, res.Meta.Attempts)
	assert.NoError(t, res.Err())
}

func TestRoute_MissingAndMalformedCredentialsSkipped(t *testing.T) {
	var calls []Kind
	stubs := map[Kind]*stubProvider{
		KindOpenAI:     {kind: KindOpenAI, log: &calls},
		KindAnthropic:  {kind: KindAnthropic, log: &calls},
		KindPerplexity: {kind: KindPerplexity, log: &calls},
	}
	creds := config.Credentials{
		"OPENAI":     "short",
		"ANTHROPIC":  "has space in the middle of key",
		"PERPLEXITY": testKey,
	}

	r := stubRouter(creds, DefaultOrder, stubs)
	assert.Equal(t, []Kind{KindPerplexity}, r.Candidates(KindOpenAI))

	res := r.Route(context.Background(), "ws-1", "q", KindOpenAI)
	require.False(t, res.Fallback)
	assert.Equal(t, KindPerplexity, res.ProviderUsed)
	assert.Equal(t, []Kind{KindPerplexity}, calls)
}

func TestRoute_NoCandidates(t *testing.T) {
	r := stubRouter(config.Credentials{}, DefaultOrder, nil)
	res := r.Route(context.Background(), "ws-1", "q", "")

	require.True(t, res.Fallback)
	assert.Zero(t, res.CostCents)
	assert.Zero(t, res.Meta.InputTokens)
	assert.Zero(t, res.Meta.OutputTokens)
	assert.True(t, res.Meta.Fallback)
	assert.ErrorIs(t, res.Reason, model.ErrAllProvidersUnavailable)
	assert.Contains(t, res.AnswerText, "all providers unavailable")
	assert.ErrorIs(t, res.Err(), model.ErrAllProvidersUnavailable)
}

func TestRoute_AllFail(t *testing.T) {
	stubs := map[Kind]*stubProvider{
		KindOpenAI:    {kind: KindOpenAI, errs: []error{errors.New("openai down")}},
		KindAnthropic: {kind: KindAnthropic, errs: []error{errors.New("anthropic down")}},
	}
	creds := config.Credentials{"OPENAI": testKey, "ANTHROPIC": testKey}

	r := stubRouter(creds, DefaultOrder, stubs)
	res := r.Route(context.Background(), "ws-1", "q", "")

	require.True(t, res.Fallback)
	assert.ErrorIs(t, res.Reason, model.ErrAllProvidersFailed)
	assert.Len(t, res.Attempts, 2)
	assert.Contains(t, res.AnswerText, "OPENAI: openai down")
	assert.Contains(t, res.AnswerText, "ANTHROPIC: anthropic down")
	assert.Equal(t, "all providers failed", res.Meta.FallbackReason)
	assert.ErrorIs(t, res.Err(), model.ErrAllProvidersFailed)
}

func TestRouteWithKey_AuthFailure(t *testing.T) {
	authErr := resilience.StatusError("openai", 401, "invalid api key")
	stubs := map[Kind]*stubProvider{KindOpenAI: {kind: KindOpenAI, errs: []error{authErr}}}

	r := stubRouter(config.Credentials{}, DefaultOrder, stubs)
	res := r.RouteWithKey(context.Background(), KindOpenAI, testKey, "q")

	require.True(t, res.Fallback)
	assert.ErrorIs(t, res.Err(), model.ErrAuthenticationFailed)
	assert.Equal(t, resilience.ClassAuth, resilience.Classify(res.Err()))
}

func TestRouteWithKey_UnknownKind(t *testing.T) {
	r := stubRouter(config.Credentials{}, DefaultOrder, nil)
	res := r.RouteWithKey(context.Background(), Kind("BING"), testKey, "q")
	require.True(t, res.Fallback)
	assert.ErrorIs(t, res.Reason, model.ErrAllProvidersUnavailable)
}

func TestRoute_RetriesTransientThenSucceeds(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("503"), 503)
	stubs := map[Kind]*stubProvider{KindOpenAI: {kind: KindOpenAI, errs: []error{transient, nil}}}

	r := stubRouter(config.Credentials{"OPENAI": testKey}, DefaultOrder, stubs,
		WithRetryPolicy(resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	res := r.Route(context.Background(), "ws", "q", "")

	require.False(t, res.Fallback)
	assert.Empty(t, res.Attempts)
}

func TestRoute_OpenCircuitRecordedAsAttempt(t *testing.T) {
	var calls []Kind
	stubs := map[Kind]*stubProvider{
		KindOpenAI:    {kind: KindOpenAI, errs: []error{errors.New("boom")}, log: &calls},
		KindAnthropic: {kind: KindAnthropic, log: &calls},
	}
	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	r := stubRouter(config.Credentials{"OPENAI": testKey, "ANTHROPIC": testKey}, DefaultOrder, stubs, WithBreakers(breakers))

	first := r.Route(context.Background(), "ws", "q", "")
	require.False(t, first.Fallback)
	assert.Equal(t, "open", r.BreakerStates()["OPENAI"])

	second := r.Route(context.Background(), "ws", "q", "")
	require.False(t, second.Fallback)
	require.Len(t, second.Attempts, 1)
	assert.ErrorIs(t, second.Attempts[0].Err(), resilience.ErrCircuitOpen)
	assert.Equal(t, []Kind{KindOpenAI, KindAnthropic, KindAnthropic}, calls)
}

func TestRoute_TimeoutIsProviderFailure(t *testing.T) {
	slow := &slowProvider{kind: KindOpenAI}
	r := NewRouter(config.Credentials{"OPENAI": testKey}, Env{},
		WithBuilder(func(context.Context, Kind, string) (Provider, error) { return slow, nil }),
		WithRetryPolicy(noRetry()),
		WithTimeout(10*time.Millisecond),
	)

	res := r.Route(context.Background(), "ws", "q", "")
	require.True(t, res.Fallback)
	require.Len(t, res.Attempts, 1)
	assert.ErrorIs(t, res.Attempts[0].Err(), context.DeadlineExceeded)
}

type slowProvider struct{ kind Kind }

func (s *slowProvider) Kind() Kind { return s.kind }

func (s *slowProvider) Ask(ctx context.Context, _ string) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRouter_BuildsProviderOnce(t *testing.T) {
	builds := 0
	r := NewRouter(config.Credentials{"OPENAI": testKey}, Env{},
		WithBuilder(func(context.Context, Kind, string) (Provider, error) {
			builds++
			return &stubProvider{kind: KindOpenAI}, nil
		}),
		WithRetryPolicy(noRetry()),
	)
	for i := 0; i < 3; i++ {
		res := r.Route(context.Background(), "ws", "q", "")
		require.False(t, res.Fallback)
	}
	assert.Equal(t, 1, builds)
	assert.NoError(t, r.Close())
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey(testKey, 20))
	assert.False(t, ValidKey("", 0))
	assert.False(t, ValidKey("abc", 20))
	assert.False(t, ValidKey("sk-test 0123456789abcdef", 20))
	assert.True(t, ValidKey("abc", 0))
}

func TestNewRouterFromConfig(t *testing.T) {
	cfg := &config.Config{
		Router: config.RouterConfig{
			ProviderTimeoutSecs: 5,
			RetryAttempts:       1,
			Order:               []string{"perplexity", "openai"},
		},
		Credentials: config.Credentials{"OPENAI": testKey, "PERPLEXITY": testKey, "GEMINI": testKey},
	}
	r, err := NewRouterFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindPerplexity, KindOpenAI}, r.Candidates(""))
	assert.Equal(t, 5*time.Second, r.timeout)

	cfg.Router.Order = []string{"bing"}
	_, err = NewRouterFromConfig(cfg)
	require.Error(t, err)
}
