package resilience

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retry with exponential backoff. It is a value
// type; pass it per call with WithPolicy or set an executor default.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the backoff before jitter is applied.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	// Default: 2.0
	Multiplier float64

	// Jitter spreads each delay by ±25%.
	Jitter bool

	// RetryIf lists predicates; an error is retried when any returns true.
	// Default: IsRetryable
	RetryIf []func(err error) bool
}

// DefaultRetryPolicy returns the policy used when none is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Retryable reports whether err should be retried under p.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryIf) == 0 {
		return IsRetryable(err)
	}
	for _, pred := range p.RetryIf {
		if pred(err) {
			return true
		}
	}
	return false
}

// Backoff returns min(BaseDelay·Multiplier^(attempt−1), MaxDelay) without
// jitter. attempt is 1-based.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns how long to wait after the given failed attempt. A
// rate-limit error carrying RetryAfter waits at least that long, capped at
// MaxDelay.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	p = p.withDefaults()
	delay := p.Backoff(attempt)

	if p.Jitter && delay > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		factor := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * factor)
	}

	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit && e.RetryAfter > delay {
		delay = min(e.RetryAfter, p.MaxDelay)
	}
	return delay
}
