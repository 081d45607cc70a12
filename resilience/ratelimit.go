package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonwraymond/apiguard/clock"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of operations allowed per second.
	// Default: 100
	Rate float64

	// Burst is the maximum burst size.
	// Default: 10
	Burst int

	// WaitOnLimit waits for a token instead of returning an error.
	// Default: false
	WaitOnLimit bool

	// MaxWait is the maximum time to wait for a token.
	// Default: 1 second
	MaxWait time.Duration

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock
}

// RateLimiter is a token bucket placed in front of every physical attempt
// an Executor makes, keeping request rates inside upstream quotas.
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MaxWait <= 0 {
		config.MaxWait = time.Second
	}
	config.Clock = clock.OrReal(config.Clock)

	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
	}
}

// Allow reports whether a token is available now, consuming it if so.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.AllowN(rl.config.Clock.Now(), 1)
}

// Wait blocks until a token is available, ctx is done, or the wait would
// exceed MaxWait. The latter returns a rate-limit error carrying the
// required delay.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := rl.config.Clock.Now()
	r := rl.limiter.ReserveN(now, 1)
	if !r.OK() {
		return RateLimited("rate-limiter", 0, nil)
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > rl.config.MaxWait {
		r.CancelAt(now)
		return RateLimited("rate-limiter", delay, nil)
	}

	if err := clock.Sleep(ctx, rl.config.Clock, delay); err != nil {
		r.CancelAt(rl.config.Clock.Now())
		return err
	}
	return nil
}

// Acquire takes a token according to the WaitOnLimit setting.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	if rl.config.WaitOnLimit {
		return rl.Wait(ctx)
	}
	if !rl.Allow() {
		return RateLimited("rate-limiter", 0, nil)
	}
	return nil
}

// Tokens returns the current number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.TokensAt(rl.config.Clock.Now())
}
