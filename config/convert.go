package config

import (
	"golang.org/x/oauth2"

	"github.com/jonwraymond/apiguard/cache"
	"github.com/jonwraymond/apiguard/observe"
	"github.com/jonwraymond/apiguard/resilience"
)

// Observe returns the telemetry configuration.
func (c *Config) Observe() observe.Config {
	enabled := func(exporter string) bool { return exporter != "" && exporter != "none" }
	return observe.Config{
		ServiceName: c.Service,
		Version:     c.Version,
		Tracing: observe.TracingConfig{
			Enabled:   enabled(c.Telemetry.TracingExporter),
			Exporter:  c.Telemetry.TracingExporter,
			Endpoint:  c.Telemetry.Endpoint,
			SamplePct: c.Telemetry.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  enabled(c.Telemetry.MetricsExporter),
			Exporter: c.Telemetry.MetricsExporter,
			Endpoint: c.Telemetry.Endpoint,
		},
		Logging: observe.LoggingConfig{
			Enabled:    true,
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			OutputFile: c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		},
	}
}

// CircuitBreaker returns the default breaker configuration.
func (c *Config) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:         c.Breaker.MaxFailures,
		ResetTimeout:        c.Breaker.ResetTimeout,
		HalfOpenMaxRequests: c.Breaker.HalfOpenMaxRequests,
	}
}

// RetryPolicy returns the executor's default retry policy.
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// RateLimiter returns the limiter configuration, or false when rate
// limiting is off.
func (c *Config) RateLimiter() (resilience.RateLimiterConfig, bool) {
	if c.RateLimit.Rate <= 0 {
		return resilience.RateLimiterConfig{}, false
	}
	return resilience.RateLimiterConfig{
		Rate:        c.RateLimit.Rate,
		Burst:       c.RateLimit.Burst,
		WaitOnLimit: c.RateLimit.Wait,
		MaxWait:     c.RateLimit.MaxWait,
	}, true
}

// CachePolicy returns the adaptive cache policy.
func (c *Config) CachePolicy() cache.Policy {
	return cache.Policy{
		DefaultTTL:        c.Cache.DefaultTTL,
		MaxTTL:            c.Cache.MaxTTL,
		MaxBytes:          c.Cache.MaxBytes,
		CompressThreshold: c.Cache.CompressThreshold,
		DeferCompression:  c.Cache.DeferCompression,
		StaleGrace:        c.Cache.StaleGrace,
		SimilarityFloor:   c.Cache.SimilarityFloor,
		Weights:           cache.DefaultWeights(),
	}
}

// OAuth2 returns the client credentials used to refresh tokens.
func (c *Config) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.Token.ClientID,
		ClientSecret: c.Token.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.Token.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: c.Token.Scopes,
	}
}
