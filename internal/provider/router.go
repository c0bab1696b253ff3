package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
)

// CredentialSource resolves the API key for an engine key.
type CredentialSource interface {
	Lookup(engineKey string) (string, bool)
}

// Attempt records one failed provider call.
type Attempt struct {
	Provider Kind   `json:"provider"`
	Error    string `json:"error"`

	err error
}

// Err returns the underlying error of the attempt.
func (a Attempt) Err() error { return a.err }

// Result is the outcome of routing a prompt. When Fallback is set the
// Response is synthetic, zero-cost and carries the attempt diagnostics.
type Result struct {
	Response
	ProviderUsed Kind      `json:"provider_used"`
	Fallback     bool      `json:"fallback"`
	Reason       error     `json:"-"`
	Attempts     []Attempt `json:"attempts,omitempty"`
}

// Err converts a fallback result into an error: ErrAuthenticationFailed
// when every attempt was rejected for its credential, otherwise the
// fallback reason. Successful results return nil.
func (r *Result) Err() error {
	if r == nil || !r.Fallback {
		return nil
	}
	reason := r.Reason
	if len(r.Attempts) > 0 {
		allAuth := true
		for _, a := range r.Attempts {
			if !resilience.IsAuth(a.err) {
				allAuth = false
				break
			}
		}
		if allAuth {
			reason = model.ErrAuthenticationFailed
		}
	}
	return eris.Wrap(reason, r.AnswerText)
}

// Builder constructs the provider for kind using apiKey.
type Builder func(ctx context.Context, kind Kind, apiKey string) (Provider, error)

// Router tries providers in order until one answers.
type Router struct {
	creds     CredentialSource
	order     []Kind
	build     Builder
	timeout   time.Duration
	policy    resilience.Policy
	breakers  *resilience.Breakers
	rps       float64
	minKeyLen int

	mu       sync.Mutex
	limiters map[Kind]*rate.Limiter
	cache    map[string]Provider
}

// Option configures a Router.
type Option func(*Router)

// WithBuilder overrides how providers are constructed.
func WithBuilder(b Builder) Option {
	return func(r *Router) { r.build = b }
}

// WithOrder sets the fixed fallback order.
func WithOrder(order []Kind) Option {
	return func(r *Router) {
		if len(order) > 0 {
			r.order = order
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryPolicy sets the per-provider retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithBreakers sets the circuit breakers shared across routes.
func WithBreakers(b *resilience.Breakers) Option {
	return func(r *Router) { r.breakers = b }
}

// WithRateLimit caps calls per second to each provider. Zero disables it.
func WithRateLimit(rps float64) Option {
	return func(r *Router) { r.rps = rps }
}

// WithMinKeyLength sets the shortest credential considered plausible.
func WithMinKeyLength(n int) Option {
	return func(r *Router) { r.minKeyLen = n }
}

// NewRouter creates a Router over creds. Providers are built with Build
// unless WithBuilder is given.
func NewRouter(creds CredentialSource, env Env, opts ...Option) *Router {
	r := &Router{
		creds:    creds,
		order:    DefaultOrder,
		timeout:  60 * time.Second,
		policy:   resilience.DefaultPolicy(),
		breakers: resilience.NewBreakers(resilience.BreakerConfig{}),
		limiters: make(map[Kind]*rate.Limiter),
		cache:    make(map[string]Provider),
	}
	r.build = func(ctx context.Context, kind Kind, apiKey string) (Provider, error) {
		return Build(ctx, kind, apiKey, env, "")
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRouterFromConfig wires a Router from application configuration,
// loading the provider catalog when one is configured.
func NewRouterFromConfig(cfg *config.Config) (*Router, error) {
	env := NewEnv(cfg)
	catalog := DefaultCatalog()
	if cfg.Router.CatalogPath != "" {
		c, err := LoadCatalog(cfg.Router.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = c
	}

	order := catalog.Order()
	if len(cfg.Router.Order) > 0 {
		order = order[:0]
		for _, s := range cfg.Router.Order {
			k, ok := ParseKind(s)
			if !ok {
				return nil, eris.Errorf("provider: unknown kind %q in router.order", s)
			}
			order = append(order, k)
		}
	}

	policy := resilience.DefaultPolicy()
	if cfg.Router.RetryAttempts > 0 {
		policy.Attempts = cfg.Router.RetryAttempts
	}
	if cfg.Router.RetryBackoffMs > 0 {
		policy.BaseDelay = time.Duration(cfg.Router.RetryBackoffMs) * time.Millisecond
	}

	build := func(ctx context.Context, kind Kind, apiKey string) (Provider, error) {
		return Build(ctx, kind, apiKey, env, catalog.Model(kind))
	}

	return NewRouter(cfg.Credentials, env,
		WithBuilder(build),
		WithOrder(order),
		WithTimeout(time.Duration(cfg.Router.ProviderTimeoutSecs)*time.Second),
		WithRetryPolicy(policy),
		WithBreakers(resilience.NewBreakers(resilience.BreakerConfig{
			FailureThreshold: cfg.Router.BreakerThreshold,
			ResetTimeout:     time.Duration(cfg.Router.BreakerResetSecs) * time.Second,
		})),
		WithRateLimit(cfg.Router.RatePerSecond),
		WithMinKeyLength(cfg.Orchestrator.MinCredentialLength),
	), nil
}

// ValidKey reports whether key is non-empty, at least minLen long and free
// of whitespace.
func ValidKey(key string, minLen int) bool {
	if key == "" || len(key) < minLen {
		return false
	}
	return strings.IndexFunc(key, unicode.IsSpace) < 0
}

type candidate struct {
	kind Kind
	key  string
}

// Candidates returns the kinds with a usable credential: hint first when
// available, then the fixed order. Missing or malformed keys drop only
// their own provider.
func (r *Router) Candidates(hint Kind) []Kind {
	cands := r.candidates(hint)
	out := make([]Kind, len(cands))
	for i, c := range cands {
		out[i] = c.kind
	}
	return out
}

func (r *Router) candidates(hint Kind) []candidate {
	var out []candidate
	add := func(k Kind) {
		for _, c := range out {
			if c.kind == k {
				return
			}
		}
		key, ok := r.creds.Lookup(string(k))
		if !ok || !ValidKey(key, r.minKeyLen) {
			return
		}
		out = append(out, candidate{kind: k, key: key})
	}
	if hint != "" {
		for _, k := range r.order {
			if k == hint {
				add(k)
			}
		}
	}
	for _, k := range r.order {
		add(k)
	}
	return out
}

// Route answers prompt with the first provider that succeeds. It never
// fails: exhaustion yields a fallback Result.
func (r *Router) Route(ctx context.Context, workspaceID, prompt string, hint Kind) *Result {
	cands := r.candidates(hint)
	log := zap.L().With(zap.String("workspace_id", workspaceID), zap.String("hint", string(hint)))
	if len(cands) == 0 {
		log.Warn("router: no providers with credentials")
		return fallback(model.ErrAllProvidersUnavailable, nil)
	}
	return r.try(ctx, log, prompt, cands)
}

// RouteWithKey answers prompt with one provider and an already-resolved
// key, skipping credential discovery.
func (r *Router) RouteWithKey(ctx context.Context, kind Kind, apiKey, prompt string) *Result {
	log := zap.L().With(zap.String("engine", string(kind)))
	if _, ok := factories[kind]; !ok {
		return fallback(model.ErrAllProvidersUnavailable, []Attempt{{
			Provider: kind,
			Error:    "unknown provider kind",
			err:      eris.Errorf("provider: unknown kind %q", kind),
		}})
	}
	return r.try(ctx, log, prompt, []candidate{{kind: kind, key: apiKey}})
}

func (r *Router) try(ctx context.Context, log *zap.Logger, prompt string, cands []candidate) *Result {
	var attempts []Attempt
	record := func(kind Kind, err error) {
		log.Warn("provider attempt failed",
			zap.String("provider", string(kind)),
			zap.String("class", string(resilience.Classify(err))),
			zap.Error(err),
		)
		attempts = append(attempts, Attempt{Provider: kind, Error: err.Error(), err: err})
	}

	for _, c := range cands {
		log.Debug("provider attempt", zap.String("provider", string(c.kind)))

		breaker := r.breakers.For(string(c.kind))
		if err := breaker.Allow(); err != nil {
			record(c.kind, err)
			continue
		}

		p, err := r.provider(ctx, c)
		if err != nil {
			record(c.kind, err)
			continue
		}

		if err := r.limiter(c.kind).Wait(ctx); err != nil {
			record(c.kind, eris.Wrap(err, "provider: rate limit wait"))
			continue
		}

		policy := r.policy
		policy.OnRetry = resilience.LogRetry(string(c.kind))
		start := time.Now()
		resp, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return p.Ask(callCtx, prompt)
		})
		breaker.Record(err)
		if err != nil {
			record(c.kind, err)
			continue
		}

		resp.Meta.Provider = c.kind
		resp.Meta.LatencyMs = time.Since(start).Milliseconds()
		resp.Meta.Attempts = attempts
		log.Info("provider answered",
			zap.String("provider", string(c.kind)),
			zap.Int64("cost_cents", resp.CostCents),
			zap.Int64("latency_ms", resp.Meta.LatencyMs),
			zap.Int("failed_attempts", len(attempts)),
		)
		return &Result{Response: *resp, ProviderUsed: c.kind, Attempts: attempts}
	}

	log.Error("router: all providers failed", zap.Int("attempts", len(attempts)))
	return fallback(model.ErrAllProvidersFailed, attempts)
}

func fallback(reason error, attempts []Attempt) *Result {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[fallback] %s", reason.Error())
	for _, a := range attempts {
		fmt.Fprintf(&sb, "\n- %s: %s", a.Provider, a.Error)
	}
	return &Result{
		Response: Response{
			AnswerText: sb.String(),
			Meta: Meta{
				Fallback:       true,
				FallbackReason: reason.Error(),
				Attempts:       attempts,
			},
		},
		Fallback: true,
		Reason:   reason,
		Attempts: attempts,
	}
}

func (r *Router) provider(ctx context.Context, c candidate) (Provider, error) {
	id := string(c.kind) + "\x00" + c.key
	r.mu.Lock()
	p, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := r.build(ctx, c.kind, c.key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing, ok := r.cache[id]; ok {
		p = existing
	} else {
		r.cache[id] = p
	}
	r.mu.Unlock()
	return p, nil
}

func (r *Router) limiter(kind Kind) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[kind]
	if !ok {
		if r.rps <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			burst := int(r.rps)
			if burst < 1 {
				burst = 1
			}
			l = rate.NewLimiter(rate.Limit(r.rps), burst)
		}
		r.limiters[kind] = l
	}
	return l
}

// BreakerStates reports each provider's circuit state.
func (r *Router) BreakerStates() map[string]string {
	out := make(map[string]string)
	for name, st := range r.breakers.States() {
		out[name] = st.String()
	}
	return out
}

// Close releases providers that hold connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, p := range r.cache {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.cache, id)
	}
	return firstErr
}
