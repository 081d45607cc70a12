package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/apiguard/cache"
	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/health"
	"github.com/jonwraymond/apiguard/observe"
	"github.com/jonwraymond/apiguard/resilience"
	"github.com/jonwraymond/apiguard/token"
	"github.com/jonwraymond/apiguard/tokenstore"
)

// Stack holds the components built from a Config.
type Stack struct {
	Config   *Config
	Observer observe.Observer
	Logger   observe.Logger
	Clock    clock.Clock

	// Redis is nil unless redis.addr is set.
	Redis redis.UniversalClient

	Breakers *resilience.Breakers
	Executor *resilience.Executor

	TokenStore token.Store
	// Tokens is nil unless token.token_url is set. It is built but not
	// started; call Start or Resume.
	Tokens *token.Manager

	Health *health.Aggregator

	closers []func() error
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	clock      clock.Clock
	httpClient *http.Client
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) BuildOption {
	return func(o *buildOptions) { o.clock = c }
}

// WithHTTPClient sets the client used for token refresh requests.
func WithHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) { o.httpClient = c }
}

// Build assembles the components described by cfg. On error, everything
// built so far is closed.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (_ *Stack, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{Config: cfg, Clock: clock.OrReal(o.clock)}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	obs, err := observe.NewObserver(ctx, cfg.Observe())
	if err != nil {
		return nil, fmt.Errorf("config: observer: %w", err)
	}
	s.Observer = obs
	s.Logger = obs.Logger()
	s.closers = append(s.closers, func() error { return obs.Shutdown(context.Background()) })

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.Redis = client
		s.closers = append(s.closers, client.Close)
	}

	s.Health = health.NewAggregator(health.AggregatorConfig{
		Timeout: cfg.Health.Timeout,
		Clock:   s.Clock,
		Logger:  s.Logger,
	})
	if s.Redis != nil {
		s.Health.Register(health.Ping("redis", func(ctx context.Context) error {
			return s.Redis.Ping(ctx).Err()
		}))
	}

	breakerCfg := cfg.CircuitBreaker()
	breakerCfg.Clock = s.Clock
	s.Breakers = resilience.NewBreakers(breakerCfg,
		resilience.WithMaxBreakers(cfg.Breaker.MaxBreakers),
		resilience.WithBreakerLogger(s.Logger),
		resilience.WithBreakerMetrics(obs.Metrics()),
	)
	s.Health.Register(health.Breakers("breakers", s.Breakers))

	execOpts := []resilience.ExecutorOption{
		resilience.WithBreakers(s.Breakers),
		resilience.WithClock(s.Clock),
		resilience.WithDefaultPolicy(cfg.RetryPolicy()),
		resilience.WithDefaultTimeout(cfg.Retry.Timeout),
		resilience.WithLogger(s.Logger),
		resilience.WithMetrics(obs.Metrics()),
		resilience.WithTracer(obs.Tracer()),
	}
	if rl, ok := cfg.RateLimiter(); ok {
		rl.Clock = s.Clock
		execOpts = append(execOpts, resilience.WithRateLimiter(resilience.NewRateLimiter(rl)))
	}
	s.Executor = resilience.NewExecutor(execOpts...)

	if s.TokenStore, err = s.buildTokenStore(ctx); err != nil {
		return nil, err
	}
	if cfg.Token.Enabled() {
		s.buildTokenManager(o.httpClient)
	}

	return s, nil
}

func (s *Stack) buildTokenStore(ctx context.Context) (token.Store, error) {
	sc := s.Config.Token.Store

	var storeOpts []tokenstore.Option
	if sc.EncryptionKey != "" {
		sealer, err := tokenstore.NewSealer([]byte(sc.EncryptionKey), []byte(sc.Salt), sc.Iterations)
		if err != nil {
			return nil, fmt.Errorf("config: token sealer: %w", err)
		}
		storeOpts = append(storeOpts, tokenstore.WithSealer(sealer))
	}

	switch sc.Backend {
	case StoreRedis:
		return tokenstore.New(tokenstore.NewRedisBackend(s.Redis, ""), storeOpts...), nil
	case StoreSQLite:
		backend, err := tokenstore.OpenSQLite(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("config: token store: %w", err)
		}
		s.closers = append(s.closers, backend.Close)
		s.Health.Register(health.Ping("token-store", backend.Ping))
		return tokenstore.New(backend, storeOpts...), nil
	default:
		return tokenstore.NewMemory(), nil
	}
}

func (s *Stack) buildTokenManager(client *http.Client) {
	tc := s.Config.Token
	opts := []token.Option{
		token.WithClock(s.Clock),
		token.WithExecutor(s.Executor),
		token.WithRefreshBuffer(tc.RefreshBuffer),
		token.WithMaxRetries(tc.MaxRetries),
		token.WithLogger(s.Logger),
		token.WithMetrics(s.Observer.Metrics()),
	}
	if tc.Notify && s.Redis != nil {
		opts = append(opts, token.WithNotifier(tokenstore.NewRedisNotifier(s.Redis, "")))
	}

	transport := token.NewOAuth2Transport(s.Config.OAuth2(), client)
	s.Tokens = token.NewManager(tc.Principal, s.TokenStore, transport, opts...)
	s.closers = append(s.closers, func() error { s.Tokens.Stop(); return nil })
	s.Health.Register(health.Token(s.Tokens))
}

// CachePersister returns the Redis persister when cache.persist is set.
func (s *Stack) CachePersister() cache.Persister {
	if !s.Config.Cache.Persist || s.Redis == nil {
		return nil
	}
	return cache.NewRedisPersister(s.Redis, "")
}

// NewCache creates an adaptive cache configured from s, registers its
// health check and starts its maintenance schedule. Stack.Close stops it.
func NewCache[T any](s *Stack, name string, opts ...cache.Option) (*cache.Adaptive[T], error) {
	base := []cache.Option{
		cache.WithClock(s.Clock),
		cache.WithLogger(s.Logger),
		cache.WithMetrics(s.Observer.Metrics()),
	}
	if p := s.CachePersister(); p != nil {
		base = append(base, cache.WithPersister(p))
	}

	c, err := cache.New[T](name, s.Config.CachePolicy(), append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if sched := s.Config.Cache.MaintenanceSchedule; sched != "" {
		if err := c.StartMaintenance(sched); err != nil {
			return nil, fmt.Errorf("config: cache %s: %w", name, err)
		}
		s.closers = append(s.closers, c.Close)
	}
	s.Health.Register(health.Cache(c, s.Config.Health.CacheUtilization))
	return c, nil
}

// Close releases everything Build and NewCache created, newest first.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
