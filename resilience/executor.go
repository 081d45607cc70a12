package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/observe"
)

// DefaultQualityThreshold is the score below which a validated result is
// eligible for fallback substitution.
const DefaultQualityThreshold = 0.6

// Outcome is the terminal outcome of an Execute call.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFallbackSuccess Outcome = "fallback-success"
	OutcomeFailure         Outcome = "failure"
)

// OperationResult describes how an Execute call ended. Attempts and Elapsed
// are always populated.
type OperationResult[T any] struct {
	Value   T
	Err     error
	Success bool

	// Attempts counts physical invocations of the primary operation.
	Attempts int
	Elapsed  time.Duration

	FallbackUsed bool

	// CircuitState is the breaker state when the call completed.
	CircuitState State

	// Quality is the validator score of the returned primary value, or
	// zero when no validator ran.
	Quality float64

	Outcome Outcome
}

// Executor runs operations with circuit breaking, retry with backoff,
// per-attempt timeouts, optional rate limiting, and fallback.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - The breaker for a name is updated on every physical attempt and never
//   by fallback calls.
type Executor struct {
	breakers       *Breakers
	clock          clock.Clock
	policy         RetryPolicy
	defaultTimeout time.Duration
	limiter        *RateLimiter
	logger         observe.Logger
	metrics        observe.Metrics
	tracer         observe.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		clock:   clock.Real(),
		policy:  DefaultRetryPolicy(),
		logger:  observe.NopLogger(),
		metrics: observe.NopMetrics(),
		tracer:  observe.NopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewBreakers(CircuitBreakerConfig{Clock: e.clock},
			WithBreakerLogger(e.logger),
			WithBreakerMetrics(e.metrics),
		)
	}
	return e
}

// WithBreakers shares a breaker registry with the executor.
func WithBreakers(b *Breakers) ExecutorOption {
	return func(e *Executor) { e.breakers = b }
}

// WithClock sets the clock used for backoff sleeps, timeouts, and elapsed
// time.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clock.OrReal(c) }
}

// WithDefaultPolicy sets the retry policy used when a call supplies none.
func WithDefaultPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p.withDefaults() }
}

// WithDefaultTimeout sets the per-attempt timeout used when a call supplies
// none. Zero disables it.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithRateLimiter gates every physical attempt on rl.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = rl }
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = observe.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observe.Metrics) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t observe.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Breakers returns the executor's breaker registry.
func (e *Executor) Breakers() *Breakers { return e.breakers }

// Clock returns the executor's clock.
func (e *Executor) Clock() clock.Clock { return e.clock }

// Option configures a single Execute call.
type Option func(*callOptions)

type callOptions struct {
	policy    RetryPolicy
	timeout   time.Duration
	threshold float64
	fallback  any
	validator any
}

// WithPolicy overrides the retry policy for one call.
func WithPolicy(p RetryPolicy) Option {
	return func(o *callOptions) { o.policy = p.withDefaults() }
}

// WithTimeout bounds each attempt. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) { o.timeout = d }
}

// WithQualityThreshold overrides DefaultQualityThreshold for one call.
func WithQualityThreshold(t float64) Option {
	return func(o *callOptions) { o.threshold = t }
}

// WithFallback supplies a fallback run once the primary operation is
// rejected by the breaker, fails terminally, or returns a low-quality result
// on its last allowed attempt. Its type must match the operation's.
func WithFallback[T any](fn func(context.Context) (T, error)) Option {
	return func(o *callOptions) { o.fallback = fn }
}

// WithQualityValidator scores successful results in [0,1].
func WithQualityValidator[T any](fn func(T) float64) Option {
	return func(o *callOptions) { o.validator = fn }
}

// Execute runs op under the executor's protections for the breaker named
// name. It is a function rather than a method because methods cannot have
// type parameters.
//
// The returned error equals result.Err. A fallback success returns a nil
// error with FallbackUsed set.
func Execute[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error), opts ...Option) (OperationResult[T], error) {
	o := callOptions{
		policy:    e.policy,
		timeout:   e.defaultTimeout,
		threshold: DefaultQualityThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := e.clock.Now()
	var res OperationResult[T]

	fallback, validator, err := typedHooks[T](o)
	if err != nil {
		res.Err = err
		res.Outcome = OutcomeFailure
		res.CircuitState = e.breakers.State(name)
		res.Elapsed = e.clock.Since(start)
		e.metrics.RecordOutcome(ctx, name, string(res.Outcome), res.Attempts, res.Elapsed)
		return res, err
	}

	ctx, span := e.tracer.StartSpan(ctx, name, attribute.Int("retry.max_attempts", o.policy.MaxAttempts))
	res = run(ctx, e, name, op, o, fallback, validator)
	res.Elapsed = e.clock.Since(start)

	span.SetAttributes(
		attribute.Int("retry.attempts", res.Attempts),
		attribute.Bool("fallback.used", res.FallbackUsed),
		attribute.String("circuit.state", res.CircuitState.String()),
	)
	e.tracer.EndSpan(span, res.Err)
	e.metrics.RecordOutcome(ctx, name, string(res.Outcome), res.Attempts, res.Elapsed)

	return res, res.Err
}

func typedHooks[T any](o callOptions) (func(context.Context) (T, error), func(T) float64, error) {
	var fallback func(context.Context) (T, error)
	var validator func(T) float64

	if o.fallback != nil {
		fn, ok := o.fallback.(func(context.Context) (T, error))
		if !ok {
			return nil, nil, fmt.Errorf("%w: fallback is %T", ErrInvalidOption, o.fallback)
		}
		fallback = fn
	}
	if o.validator != nil {
		fn, ok := o.validator.(func(T) float64)
		if !ok {
			return nil, nil, fmt.Errorf("%w: quality validator is %T", ErrInvalidOption, o.validator)
		}
		validator = fn
	}
	return fallback, validator, nil
}

func run[T any](
	ctx context.Context,
	e *Executor,
	name string,
	op func(context.Context) (T, error),
	o callOptions,
	fallback func(context.Context) (T, error),
	validator func(T) float64,
) OperationResult[T] {
	var (
		res        OperationResult[T]
		lastErr    error
		lowQuality *T
		rejected   bool
	)
	policy := o.policy

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx); err != nil {
				lastErr = err
				if ctx.Err() != nil || !policy.Retryable(err) || attempt == policy.MaxAttempts {
					break
				}
				if err := clock.Sleep(ctx, e.clock, policy.Delay(attempt, err)); err != nil {
					break
				}
				continue
			}
		}

		cb, admitted, ok := e.breakers.admit(name)
		if !ok {
			if attempt == 1 || lastErr == nil {
				lastErr = CircuitOpen(name)
				rejected = true
			}
			break
		}

		res.Attempts++
		attemptStart := e.clock.Now()
		v, err := runWithTimeout(ctx, e.clock, name, o.timeout, op)
		e.metrics.RecordAttempt(ctx, name, e.clock.Since(attemptStart), err)

		if err == nil {
			cb.succeed(admitted)
			if validator != nil {
				res.Quality = clampScore(validator(v))
				if res.Quality < o.threshold && attempt == policy.MaxAttempts {
					lowQuality = &v
					lastErr = Validation(name, fmt.Errorf("quality %.2f below %.2f", res.Quality, o.threshold))
					break
				}
			}
			res.Value = v
			res.Success = true
			res.Outcome = OutcomeSuccess
			res.CircuitState = e.breakers.State(name)
			return res
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			cb.abandon(admitted)
		} else {
			cb.RecordFailure()
		}
		lastErr = err

		if ctx.Err() != nil || !policy.Retryable(err) || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt, err)
		e.logger.Debug(ctx, "retrying operation",
			observe.Field{Key: "operation", Value: name},
			observe.Field{Key: "attempt", Value: attempt},
			observe.Field{Key: "delay", Value: delay},
			observe.Field{Key: "error", Value: err},
		)
		if err := clock.Sleep(ctx, e.clock, delay); err != nil {
			break
		}
	}

	res.CircuitState = e.breakers.State(name)
	if rejected {
		res.CircuitState = StateOpen
	}

	if fallback != nil && ctx.Err() == nil {
		fv, ferr := fallback(ctx)
		if ferr == nil {
			e.logger.Info(ctx, "fallback used",
				observe.Field{Key: "operation", Value: name},
				observe.Field{Key: "error", Value: lastErr},
			)
			res.Value = fv
			res.Success = true
			res.FallbackUsed = true
			res.Outcome = OutcomeFallbackSuccess
			return res
		}
		if lowQuality == nil {
			res.FallbackUsed = true
			res.Err = &FallbackError{Primary: lastErr, Fallback: ferr}
			res.Outcome = OutcomeFailure
			e.logger.Warn(ctx, "operation and fallback failed",
				observe.Field{Key: "operation", Value: name},
				observe.Field{Key: "error", Value: res.Err},
			)
			return res
		}
	}

	if lowQuality != nil {
		res.Value = *lowQuality
		res.Success = true
		res.Outcome = OutcomeSuccess
		return res
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	res.Err = lastErr
	res.Outcome = OutcomeFailure
	e.logger.Warn(ctx, "operation failed",
		observe.Field{Key: "operation", Value: name},
		observe.Field{Key: "attempts", Value: res.Attempts},
		observe.Field{Key: "error", Value: lastErr},
	)
	return res
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
