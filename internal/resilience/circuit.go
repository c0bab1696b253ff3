package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a probe call through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a provider is skipped because its circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the circuit. Default: 5.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration
}

// Breaker guards one provider. Authentication failures do not count toward
// the threshold: a bad key is a configuration problem, not an outage.
type Breaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen when calls should be skipped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
	}
	return nil
}

// Record feeds the outcome of a call into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || IsAuth(err) {
		b.failures = 0
		b.state = CircuitClosed
		return
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Breakers holds one breaker per provider name.
type Breakers struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*Breaker
}

// NewBreakers creates an empty per-provider breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// For returns the breaker for provider, creating it on first use.
func (bs *Breakers) For(provider string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.m[provider]
	if !ok {
		b = NewBreaker(bs.cfg)
		bs.m[provider] = b
	}
	return b
}

// States snapshots every breaker's state.
func (bs *Breakers) States() map[string]CircuitState {
	bs.mu.Lock()
	names := make([]string, 0, len(bs.m))
	breakers := make([]*Breaker, 0, len(bs.m))
	for name, b := range bs.m {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	bs.mu.Unlock()

	out := make(map[string]CircuitState, len(names))
	for i, name := range names {
		out[name] = breakers[i].State()
	}
	return out
}
