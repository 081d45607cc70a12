package resilience

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jonwraymond/apiguard/observe"
)

// DefaultMaxBreakers bounds how many per-name breakers a registry keeps
// before sweeping the least recently used.
const DefaultMaxBreakers = 1024

// Breakers is a registry of circuit breakers keyed by operation name.
// Breakers are created lazily on first use. An unknown name is closed.
//
// Breakers is safe for concurrent use. It never hands out its internal map;
// Snapshot returns copies.
type Breakers struct {
	defaults CircuitBreakerConfig

	mu        sync.Mutex
	overrides map[string]CircuitBreakerConfig
	breakers  *lru.Cache[string, *CircuitBreaker]

	maxBreakers int
	logger      observe.Logger
	metrics     observe.Metrics
}

// BreakersOption configures a Breakers registry.
type BreakersOption func(*Breakers)

// WithMaxBreakers sets how many breakers are retained. Default: 1024
func WithMaxBreakers(n int) BreakersOption {
	return func(b *Breakers) {
		if n > 0 {
			b.maxBreakers = n
		}
	}
}

// WithBreakerLogger logs state transitions to l.
func WithBreakerLogger(l observe.Logger) BreakersOption {
	return func(b *Breakers) { b.logger = observe.OrNop(l) }
}

// WithBreakerMetrics records state transitions to m.
func WithBreakerMetrics(m observe.Metrics) BreakersOption {
	return func(b *Breakers) {
		if m != nil {
			b.metrics = m
		}
	}
}

// NewBreakers creates a registry whose breakers use defaults unless a name
// has been configured individually.
func NewBreakers(defaults CircuitBreakerConfig, opts ...BreakersOption) *Breakers {
	b := &Breakers{
		defaults:    defaults.withDefaults(),
		overrides:   make(map[string]CircuitBreakerConfig),
		maxBreakers: DefaultMaxBreakers,
		logger:      observe.NopLogger(),
		metrics:     observe.NopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}

	cache, err := lru.New[string, *CircuitBreaker](b.maxBreakers)
	if err != nil {
		// Only returned for a non-positive size, which the option rejects.
		panic(err)
	}
	b.breakers = cache
	return b
}

// Configure sets the config used for name. An existing breaker for name is
// replaced and starts closed.
func (b *Breakers) Configure(name string, config CircuitBreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if config.Clock == nil {
		config.Clock = b.defaults.Clock
	}
	b.overrides[name] = config.withDefaults()
	b.breakers.Remove(name)
}

// Get returns the breaker for name, creating it if needed.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers.Get(name); ok {
		return cb
	}

	config, ok := b.overrides[name]
	if !ok {
		config = b.defaults
	}
	userHook := config.OnStateChange
	config.OnStateChange = func(name string, from, to State) {
		b.onStateChange(name, from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	cb := NewCircuitBreaker(name, config)
	b.breakers.Add(name, cb)
	return cb
}

func (b *Breakers) onStateChange(name string, from, to State) {
	ctx := context.Background()
	fields := []observe.Field{
		{Key: "breaker", Value: name},
		{Key: "from", Value: from.String()},
		{Key: "to", Value: to.String()},
	}
	if to == StateOpen {
		b.logger.Warn(ctx, "circuit opened", fields...)
	} else {
		b.logger.Info(ctx, "circuit state changed", fields...)
	}
	b.metrics.RecordCircuitState(ctx, name, from.String(), to.String())
}

func (b *Breakers) peek(name string) (*CircuitBreaker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.breakers.Peek(name)
}

// Allow reports whether a call for name may proceed.
func (b *Breakers) Allow(name string) bool {
	return b.Get(name).Allow()
}

// RecordSuccess records a successful call for name.
func (b *Breakers) RecordSuccess(name string) {
	b.Get(name).RecordSuccess()
}

// RecordFailure records a failed call for name.
func (b *Breakers) RecordFailure(name string) {
	b.Get(name).RecordFailure()
}

// admit admits one call for name and returns the breaker that admitted it,
// so the outcome reaches the same breaker even if name is later evicted.
func (b *Breakers) admit(name string) (*CircuitBreaker, admission, bool) {
	cb := b.Get(name)
	a, ok := cb.admit()
	return cb, a, ok
}

// State returns the state for name without creating a breaker.
func (b *Breakers) State(name string) State {
	if cb, ok := b.peek(name); ok {
		return cb.State()
	}
	return StateClosed
}

// Reset closes the breaker for name, if one exists.
func (b *Breakers) Reset(name string) {
	if cb, ok := b.peek(name); ok {
		cb.Reset()
	}
}

// Len returns the number of breakers currently retained.
func (b *Breakers) Len() int {
	return b.breakers.Len()
}

// Snapshot returns a copy of every retained breaker's metrics keyed by name.
func (b *Breakers) Snapshot() map[string]CircuitBreakerMetrics {
	b.mu.Lock()
	all := b.breakers.Values()
	b.mu.Unlock()

	out := make(map[string]CircuitBreakerMetrics, len(all))
	for _, cb := range all {
		out[cb.Name()] = cb.Metrics()
	}
	return out
}
