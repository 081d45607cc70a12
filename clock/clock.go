// Package clock abstracts time reading and delayed execution.
//
// Every component in apiguard that reads the time, sleeps for a backoff, or
// arms a timer does so through a Clock. Production code uses Real; tests use
// Fake to drive schedules deterministically.
package clock

import (
	"context"
	"time"
)

// Clock reads the current time and schedules delayed work.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - AfterFunc runs f in its own goroutine (Real) or on the goroutine that
//   advances time (Fake); callers must not assume either.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a cancellable Timer.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It returns true if the call stopped the timer
	// and false if it had already fired or been stopped.
	Stop() bool
}

// Sleep blocks for d on c or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
