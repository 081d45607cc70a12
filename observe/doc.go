// Package observe provides the logging, metrics, and tracing used by the
// apiguard components.
//
// Logging is structured and backed by zap. Metrics and traces use
// OpenTelemetry; exporters are selected by name through Config. Every
// component accepts a Logger, Metrics, and Tracer and falls back to the
// no-op implementations when none is configured.
//
// Fields whose keys look like credentials (access_token, refresh_token,
// secret, ...) are redacted before they reach the log sink.
package observe
