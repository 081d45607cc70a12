package cache

import (
	"context"
	"sync/atomic"

	"github.com/jonwraymond/apiguard/observe"
	"github.com/jonwraymond/apiguard/resilience"
)

// FetchOptions controls Fetch.
type FetchOptions struct {
	// Set is applied when a fresh value is stored.
	Set SetOptions

	// Hints are used for the lookup; Set.Hints is used when empty.
	Hints SemanticHints

	// ExecOptions are passed to resilience.Execute after the stale-cache
	// fallback, so a WithFallback here replaces it.
	ExecOptions []resilience.Option

	// NoStaleFallback disables serving a stale entry when the call fails.
	NoStaleFallback bool
}

// FetchResult is the outcome of Fetch.
type FetchResult[T any] struct {
	resilience.OperationResult[T]

	// Cached is true when the value came from the cache without calling op.
	Cached bool

	// Stale is true when a failed call was answered from a stale entry.
	Stale bool
}

// Fetch returns the cached value for key or loads it through exec. On a miss
// op runs under resilience.Execute with a fallback that serves a stale
// entry. Only a successful primary call populates the cache.
func Fetch[T any](
	ctx context.Context,
	c *Adaptive[T],
	exec *resilience.Executor,
	name string,
	key string,
	opts FetchOptions,
	op func(context.Context) (T, error),
) (FetchResult[T], error) {
	hints := opts.Hints
	if hints.IsZero() {
		hints = opts.Set.Hints
	}

	if hit, ok := c.Lookup(ctx, key, LookupOptions{Hints: hints}); ok {
		return FetchResult[T]{
			OperationResult: resilience.OperationResult[T]{
				Value:        hit.Value,
				Success:      true,
				Quality:      1,
				Outcome:      resilience.OutcomeSuccess,
				CircuitState: exec.Breakers().State(name),
			},
			Cached: true,
		}, nil
	}

	var servedStale atomic.Bool
	execOpts := make([]resilience.Option, 0, len(opts.ExecOptions)+1)
	if !opts.NoStaleFallback {
		execOpts = append(execOpts, resilience.WithFallback(func(ctx context.Context) (T, error) {
			hit, ok := c.Lookup(ctx, key, LookupOptions{Hints: hints, AllowStale: true})
			if !ok {
				var zero T
				return zero, ErrNoStale
			}
			servedStale.Store(true)
			return hit.Value, nil
		}))
	}
	execOpts = append(execOpts, opts.ExecOptions...)

	res, err := resilience.Execute(ctx, exec, name, op, execOpts...)
	out := FetchResult[T]{OperationResult: res, Stale: res.FallbackUsed && servedStale.Load()}
	if err != nil {
		return out, err
	}

	if res.Outcome == resilience.OutcomeSuccess && !res.FallbackUsed {
		if err := c.Set(ctx, key, res.Value, opts.Set); err != nil {
			c.logger.Warn(ctx, "fetched value not cached",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "error", Value: err},
			)
		}
	}
	return out, nil
}
