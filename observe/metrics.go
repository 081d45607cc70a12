package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache event names recorded by RecordCacheEvent.
const (
	CacheHit         = "hit"
	CacheMiss        = "miss"
	CacheSemanticHit = "semantic_hit"
	CacheStaleHit    = "stale_hit"
	CacheEviction    = "eviction"
	CacheExpiration  = "expiration"
	CacheRejection   = "rejection"
	CacheCompression = "compression"
)

// Metrics records resilience, cache, and token metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordAttempt records one physical attempt of a named operation.
	RecordAttempt(ctx context.Context, op string, duration time.Duration, err error)

	// RecordOutcome records the terminal outcome of an Execute call.
	RecordOutcome(ctx context.Context, op string, outcome string, attempts int, duration time.Duration)

	// RecordCircuitState records a breaker transition.
	RecordCircuitState(ctx context.Context, op string, from, to string)

	// RecordCacheEvent records a cache event such as a hit or eviction.
	RecordCacheEvent(ctx context.Context, cache string, event string)

	// RecordRefresh records a token refresh attempt for a principal.
	RecordRefresh(ctx context.Context, principal string, duration time.Duration, err error)
}

type metricsImpl struct {
	attempts      metric.Int64Counter
	attemptErrors metric.Int64Counter
	attemptHist   metric.Float64Histogram
	outcomes      metric.Int64Counter
	outcomeHist   metric.Float64Histogram
	transitions   metric.Int64Counter
	cacheEvents   metric.Int64Counter
	refreshes     metric.Int64Counter
	refreshHist   metric.Float64Histogram
}

// NewMetrics creates a Metrics instance backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.attempts, err = meter.Int64Counter("apiguard.attempts",
		metric.WithDescription("Physical attempts of resilient operations"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.attemptErrors, err = meter.Int64Counter("apiguard.attempt.errors",
		metric.WithDescription("Failed physical attempts"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.attemptHist, err = meter.Float64Histogram("apiguard.attempt.duration_ms",
		metric.WithDescription("Duration of a single attempt in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("apiguard.executions",
		metric.WithDescription("Execute calls by terminal outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.outcomeHist, err = meter.Float64Histogram("apiguard.execution.duration_ms",
		metric.WithDescription("End-to-end Execute duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("apiguard.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.cacheEvents, err = meter.Int64Counter("apiguard.cache.events",
		metric.WithDescription("Adaptive cache events"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.refreshes, err = meter.Int64Counter("apiguard.token.refreshes",
		metric.WithDescription("Token refresh attempts"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, err
	}
	if m.refreshHist, err = meter.Float64Histogram("apiguard.token.refresh.duration_ms",
		metric.WithDescription("Token refresh duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metricsImpl) RecordAttempt(ctx context.Context, op string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("operation", op))
	m.attempts.Add(ctx, 1, opt)
	if err != nil {
		m.attemptErrors.Add(ctx, 1, opt)
	}
	m.attemptHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordOutcome(ctx context.Context, op string, outcome string, attempts int, duration time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
		attribute.Int("attempts", attempts),
	)
	m.outcomes.Add(ctx, 1, opt)
	m.outcomeHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCircuitState(ctx context.Context, op string, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *metricsImpl) RecordCacheEvent(ctx context.Context, cache string, event string) {
	m.cacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("event", event),
	))
}

func (m *metricsImpl) RecordRefresh(ctx context.Context, principal string, duration time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("principal", principal),
		attribute.Bool("error", err != nil),
	)
	m.refreshes.Add(ctx, 1, opt)
	m.refreshHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

type nopMetrics struct{}

// NopMetrics returns a Metrics implementation that does nothing.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordAttempt(context.Context, string, time.Duration, error)       {}
func (nopMetrics) RecordOutcome(context.Context, string, string, int, time.Duration) {}
func (nopMetrics) RecordCircuitState(context.Context, string, string, string)        {}
func (nopMetrics) RecordCacheEvent(context.Context, string, string)                  {}
func (nopMetrics) RecordRefresh(context.Context, string, time.Duration, error)       {}
