// Package health reports the health of guarded components.
//
// A Checker returns a Result with a Status of healthy, degraded, or
// unhealthy. The Aggregator runs every registered checker concurrently,
// each under its own timeout, and reports the worst status.
//
// Ready-made checkers cover the rest of the module:
//
//   - Breakers is degraded while any circuit is open.
//   - Cache is degraded above 90% of the byte budget or after capacity
//     rejections.
//   - Token is unhealthy once a token manager needs re-authorization.
//   - Ping wraps any backing store's ping.
//
// # HTTP Endpoints
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg)
//
// registers /healthz (liveness), /readyz (readiness), /health (JSON report)
// and /health/{name} (single check).
package health
