// Package cache provides the adaptive cache that sits in front of rate
// limited marketplace APIs.
//
// Adaptive is a generic, byte-budgeted TTL cache. Beyond exact lookup it
// offers:
//
//   - tag invalidation, where SemanticHints become category:, brand:, and
//     type: tags;
//   - semantic lookup, which answers a miss with the best entry sharing
//     enough hints (category 50, brand 30, type 20; floor 50);
//   - stale reads within Policy.StaleGrace, for degraded mode;
//   - priority-weighted eviction, where critical entries are never evicted
//     and writes that cannot be made room for fail with ErrCapacity;
//   - pluggable compression through Codec (JSONCodec, ZstdCodec);
//   - an optional Persister (RedisPersister) for write-through and
//     read-through;
//   - cron-driven maintenance (Sweep, Compact).
//
// Fetch ties the cache to a resilience.Executor: it serves hits, loads
// misses under retry and circuit breaking, and falls back to stale entries
// when the upstream fails.
//
// DefaultKeyer derives deterministic keys from request parameters with
// xxhash over canonical JSON.
package cache
