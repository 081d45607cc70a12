// Package token keeps OAuth credentials fresh.
//
// A Manager owns one principal's grant. It schedules a single refresh at
// ExpiresAt minus the refresh buffer (30 minutes by default), runs the
// exchange through a resilience.Executor so that retries and circuit
// breaking apply, and saves the new grant to its Store before using it.
// Concurrent callers of GetValidToken share one in-flight exchange.
//
// Revoked grants (invalid_grant, invalid_client, unauthorized_client,
// invalid_refresh_token) stop the manager at once and delete the stored
// credential. Repeated retryable failures stop autonomous refreshing after
// MaxRetries slots; Start with a fresh grant resumes it.
//
// OAuth2Transport performs the exchange with golang.org/x/oauth2, and
// RoundTripper authorizes outgoing HTTP requests with the current token.
package token
