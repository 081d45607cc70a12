package health

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonwraymond/apiguard/cache"
	"github.com/jonwraymond/apiguard/resilience"
	"github.com/jonwraymond/apiguard/token"
)

// BreakerSource is implemented by *resilience.Breakers.
type BreakerSource interface {
	Snapshot() map[string]resilience.CircuitBreakerMetrics
}

// Breakers reports degraded while any breaker is open and lists the open
// and half-open breakers in the details.
func Breakers(name string, src BreakerSource) Checker {
	return NewCheckerFunc(name, func(context.Context) Result {
		snap := src.Snapshot()

		var open, probing []string
		for n, m := range snap {
			switch m.State {
			case resilience.StateOpen:
				open = append(open, n)
			case resilience.StateHalfOpen:
				probing = append(probing, n)
			}
		}
		sort.Strings(open)
		sort.Strings(probing)

		details := map[string]any{
			"breakers":  len(snap),
			"open":      open,
			"half_open": probing,
		}
		if len(open) > 0 {
			return Degraded(fmt.Sprintf("%d of %d circuits open", len(open), len(snap))).WithDetails(details)
		}
		return Healthy("all circuits closed").WithDetails(details)
	})
}

// CacheSource is implemented by *cache.Adaptive.
type CacheSource interface {
	Name() string
	Stats() cache.Stats
}

// DefaultCacheUtilization is the budget share above which a cache reports
// degraded.
const DefaultCacheUtilization = 0.9

// CacheChecker reports a cache degraded above its utilization threshold or
// when it rejected writes since the previous check.
type CacheChecker struct {
	src       CacheSource
	threshold float64

	mu             sync.Mutex
	lastRejections int64
}

// Cache creates a CacheChecker. threshold <= 0 uses
// DefaultCacheUtilization.
func Cache(src CacheSource, threshold float64) *CacheChecker {
	if threshold <= 0 {
		threshold = DefaultCacheUtilization
	}
	return &CacheChecker{src: src, threshold: threshold}
}

// Name returns "cache:" plus the cache name.
func (c *CacheChecker) Name() string {
	return "cache:" + c.src.Name()
}

// Check implements Checker.
func (c *CacheChecker) Check(context.Context) Result {
	st := c.src.Stats()

	c.mu.Lock()
	rejected := st.Rejections - c.lastRejections
	c.lastRejections = st.Rejections
	c.mu.Unlock()

	util := st.Utilization()
	details := map[string]any{
		"entries":     st.Entries,
		"bytes":       st.Bytes,
		"max_bytes":   st.MaxBytes,
		"utilization": util,
		"hit_rate":    st.HitRate(),
		"evictions":   st.Evictions,
		"rejections":  st.Rejections,
	}

	switch {
	case rejected > 0:
		return Degraded(fmt.Sprintf("%d writes rejected for capacity", rejected)).WithDetails(details)
	case util > c.threshold:
		return Degraded(fmt.Sprintf("cache %.0f%% full", util*100)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("cache %.0f%% full", util*100)).WithDetails(details)
	}
}

// TokenSource is implemented by *token.Manager.
type TokenSource interface {
	Status() token.RefreshStatus
}

// Token reports a token manager unhealthy after a terminal failure and
// degraded while it is not running, is failing refreshes, or has its refresh
// circuit open.
func Token(src TokenSource) Checker {
	return NewCheckerFunc("token:"+src.Status().Principal, func(context.Context) Result {
		st := src.Status()
		details := map[string]any{
			"state":                string(st.State),
			"consecutive_failures": st.ConsecutiveFailures,
			"breaker":              st.Breaker.String(),
		}
		if !st.ExpiresAt.IsZero() {
			details["expires_at"] = st.ExpiresAt
		}
		if !st.NextRefresh.IsZero() {
			details["next_refresh"] = st.NextRefresh
		}
		if n := len(st.RecentErrors); n > 0 {
			details["last_error"] = st.RecentErrors[n-1]
		}

		switch {
		case st.State == token.StateTerminal:
			return Unhealthy("re-authorization required", ErrCheckFailed).WithDetails(details)
		case !st.Active:
			return Degraded("token manager " + string(st.State)).WithDetails(details)
		case st.Breaker != resilience.StateClosed:
			return Degraded("refresh circuit " + st.Breaker.String()).WithDetails(details)
		case st.ConsecutiveFailures > 0:
			return Degraded(fmt.Sprintf("%d consecutive refresh failures", st.ConsecutiveFailures)).WithDetails(details)
		default:
			return Healthy("token active").WithDetails(details)
		}
	})
}
