// Package resilience protects calls to unreliable upstream APIs.
//
// It combines per-operation circuit breakers, retry with exponential backoff
// and jitter, per-attempt timeouts, optional token-bucket rate limiting, and
// fallback into a single generic entry point, Execute.
//
// # Circuit breakers
//
// Breakers is a registry of CircuitBreaker values keyed by operation name.
// A breaker opens after MaxFailures consecutive failures, rejects calls for
// ResetTimeout, then admits HalfOpenMaxRequests trial calls. Enough trial
// successes close it; any trial failure reopens it.
//
// # Errors
//
// Failures are classified at the transport boundary into a typed *Error
// (transient, rate limit, auth grant, circuit open, capacity, validation).
// IsRetryable and RetryPolicy.Retryable decide retries from that structure,
// never from message text.
//
// # Usage
//
//	exec := resilience.NewExecutor(
//	    resilience.WithDefaultPolicy(resilience.DefaultRetryPolicy()),
//	    resilience.WithLogger(logger),
//	)
//
//	res, err := resilience.Execute(ctx, exec, "ebay.market-price",
//	    func(ctx context.Context) (Price, error) {
//	        return client.MarketPrice(ctx, query)
//	    },
//	    resilience.WithTimeout(5*time.Second),
//	    resilience.WithFallback(func(ctx context.Context) (Price, error) {
//	        return lastKnownPrice(query)
//	    }),
//	)
package resilience
