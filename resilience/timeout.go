package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/apiguard/clock"
)

var errAttemptDeadline = errors.New("resilience: attempt deadline")

type attemptResult[T any] struct {
	value T
	err   error
}

// runWithTimeout races op against a deadline on clk. The op's context is
// cancelled when the deadline elapses; an elapsed deadline is reported as a
// transient timeout error so it is retried like any other attempt failure.
// A non-positive timeout runs op directly.
func runWithTimeout[T any](ctx context.Context, clk clock.Clock, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timer := clk.AfterFunc(timeout, func() { cancel(errAttemptDeadline) })
	defer timer.Stop()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(context.Cause(ctx), errAttemptDeadline) {
			return r.value, timeoutError(op, timeout)
		}
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(context.Cause(ctx), errAttemptDeadline) {
			return zero, timeoutError(op, timeout)
		}
		return zero, ctx.Err()
	}
}

// ExecuteWithTimeout is a convenience function to run an operation with a
// wall-clock timeout.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	_, err := runWithTimeout(ctx, clock.Real(), "", timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
