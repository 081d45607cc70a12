package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/observe"
	"github.com/jonwraymond/apiguard/resilience"
)

type entry[T any] struct {
	key string

	// value is unset while compressed; payload holds the codec output.
	value           T
	payload         []byte
	compressed      bool
	pendingCompress bool

	tags     map[string]struct{}
	tagList  []string
	priority Priority
	persist  bool

	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	ttl         time.Duration
	size        int64
}

func (e *entry[T]) expiresAt() time.Time { return e.createdAt.Add(e.ttl) }

func (e *entry[T]) expired(now time.Time) bool { return now.After(e.expiresAt()) }

func (e *entry[T]) retainedUntil(grace time.Duration) time.Time { return e.expiresAt().Add(grace) }

func (e *entry[T]) hasAnyTag(tags []string) bool {
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

// Option configures an Adaptive cache.
type Option func(*options)

type options struct {
	clock     clock.Clock
	logger    observe.Logger
	metrics   observe.Metrics
	persister Persister
	codec     any
	sizer     any
}

// WithClock sets the clock used for TTLs and access times.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = observe.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithPersister adds a durable second tier.
func WithPersister(p Persister) Option {
	return func(o *options) { o.persister = p }
}

// WithCodec enables compression of large values with c. Its type must match
// the cache's value type.
func WithCodec[T any](c Codec[T]) Option {
	return func(o *options) { o.codec = c }
}

// WithSizer overrides JSONSizer. Its type must match the cache's value type.
func WithSizer[T any](s Sizer[T]) Option {
	return func(o *options) { o.sizer = s }
}

// Adaptive is a TTL cache with tag invalidation, semantic-similarity
// lookup, priority-weighted eviction under a byte budget, pluggable
// compression, and optional persistence.
//
// Contract:
// - Concurrency: safe for concurrent use. Internal maps are never exposed.
// - An entry past its TTL is only returned by stale reads.
// - Critical entries are never evicted to make room.
type Adaptive[T any] struct {
	name   string
	policy Policy

	codec     Codec[T]
	wire      Codec[T]
	sizer     Sizer[T]
	persister Persister
	clock     clock.Clock
	logger    observe.Logger
	metrics   observe.Metrics

	mu      sync.Mutex
	entries map[string]*entry[T]
	bytes   int64
	stats   Stats

	// clearedAt fences read-through: older persisted records are ignored.
	clearedAt time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an Adaptive cache. name labels its logs and metrics.
func New[T any](name string, policy Policy, opts ...Option) (*Adaptive[T], error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Weights == (Weights{}) {
		policy.Weights = DefaultWeights()
	}

	o := options{
		clock:   clock.Real(),
		logger:  observe.NopLogger(),
		metrics: observe.NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Adaptive[T]{
		name:      name,
		policy:    policy,
		sizer:     JSONSizer[T],
		persister: o.persister,
		clock:     o.clock,
		logger:    o.logger.With(observe.Field{Key: "cache", Value: name}),
		metrics:   o.metrics,
		entries:   make(map[string]*entry[T]),
	}

	if o.codec != nil {
		codec, ok := o.codec.(Codec[T])
		if !ok {
			return nil, fmt.Errorf("cache: codec %T does not encode %T", o.codec, *new(T))
		}
		c.codec = codec
	}
	if o.sizer != nil {
		sizer, ok := o.sizer.(Sizer[T])
		if !ok {
			return nil, fmt.Errorf("cache: sizer %T does not size %T", o.sizer, *new(T))
		}
		c.sizer = sizer
	}

	c.wire = c.codec
	if c.wire == nil {
		c.wire = JSONCodec[T]{}
	}
	return c, nil
}

// Name returns the cache's name.
func (c *Adaptive[T]) Name() string { return c.name }

// Policy returns the cache's policy.
func (c *Adaptive[T]) Policy() Policy { return c.policy }

// Get returns a live value for key, falling back to a semantic match when
// hints are given.
func (c *Adaptive[T]) Get(ctx context.Context, key string, hints SemanticHints) (T, bool) {
	hit, ok := c.Lookup(ctx, key, LookupOptions{Hints: hints})
	return hit.Value, ok
}

// GetStale is Get that also returns entries past their TTL but within the
// stale grace period.
func (c *Adaptive[T]) GetStale(ctx context.Context, key string, hints SemanticHints) (T, bool) {
	hit, ok := c.Lookup(ctx, key, LookupOptions{Hints: hints, AllowStale: true})
	return hit.Value, ok
}

// Lookup resolves key by exact match in memory, then in the persister, then
// by semantic similarity to opts.Hints.
func (c *Adaptive[T]) Lookup(ctx context.Context, key string, opts LookupOptions) (Hit[T], bool) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.readableLocked(e, now, opts.AllowStale) {
			hit, snap := c.touchLocked(e, now, MatchExact, 0)
			c.mu.Unlock()
			return c.finishHit(ctx, hit, snap)
		}
		if now.After(e.retainedUntil(c.policy.StaleGrace)) {
			c.removeLocked(e)
			c.stats.Expirations++
			c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheExpiration)
		}
	}
	c.mu.Unlock()

	if hit, ok := c.readThrough(ctx, key, opts.AllowStale, now); ok {
		return hit, true
	}

	if !opts.Hints.IsZero() {
		c.mu.Lock()
		if e, score := c.bestSemanticLocked(opts.Hints, now, opts.AllowStale); e != nil {
			hit, snap := c.touchLocked(e, now, MatchSemantic, score)
			c.mu.Unlock()
			return c.finishHit(ctx, hit, snap)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheMiss)
	return Hit[T]{}, false
}

func (c *Adaptive[T]) readableLocked(e *entry[T], now time.Time, allowStale bool) bool {
	if !e.expired(now) {
		return true
	}
	return allowStale && !now.After(e.retainedUntil(c.policy.StaleGrace))
}

type entrySnapshot[T any] struct {
	key        string
	value      T
	payload    []byte
	compressed bool
}

func (c *Adaptive[T]) touchLocked(e *entry[T], now time.Time, match MatchKind, score int) (Hit[T], entrySnapshot[T]) {
	e.accessCount++
	e.lastAccess = now

	hit := Hit[T]{
		Key:      e.key,
		Match:    match,
		Score:    score,
		Stale:    e.expired(now),
		Priority: e.priority,
		Age:      now.Sub(e.createdAt),
	}
	c.stats.Hits++
	if match == MatchSemantic {
		c.stats.SemanticHits++
	}
	if hit.Stale {
		c.stats.StaleHits++
	}
	return hit, entrySnapshot[T]{key: e.key, value: e.value, payload: e.payload, compressed: e.compressed}
}

// finishHit decodes outside the lock. A payload that no longer decodes is
// dropped and reported as a miss.
func (c *Adaptive[T]) finishHit(ctx context.Context, hit Hit[T], snap entrySnapshot[T]) (Hit[T], bool) {
	hit.Value = snap.value
	if snap.compressed {
		v, err := c.codec.Decompress(snap.payload)
		if err != nil {
			c.logger.Error(ctx, "dropping undecodable entry",
				observe.Field{Key: "key", Value: snap.key},
				observe.Field{Key: "error", Value: err},
			)
			c.mu.Lock()
			if e, ok := c.entries[snap.key]; ok {
				c.removeLocked(e)
			}
			c.stats.Misses++
			c.mu.Unlock()
			c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheMiss)
			return Hit[T]{}, false
		}
		hit.Value = v
	}

	switch {
	case hit.Stale:
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheStaleHit)
	case hit.Match == MatchSemantic:
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheSemanticHit)
	default:
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheHit)
	}
	return hit, true
}

// bestSemanticLocked returns the highest scoring readable entry at or above
// the similarity floor. Ties prefer the most recently created entry.
func (c *Adaptive[T]) bestSemanticLocked(hints SemanticHints, now time.Time, allowStale bool) (*entry[T], int) {
	var best *entry[T]
	bestScore := 0
	for _, e := range c.entries {
		if !c.readableLocked(e, now, allowStale) {
			continue
		}
		score := similarity(hints, e.tags, c.policy.Weights)
		if score == 0 || score < c.policy.SimilarityFloor {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && (e.createdAt.After(best.createdAt) ||
				(e.createdAt.Equal(best.createdAt) && e.key < best.key))) {
			best, bestScore = e, score
		}
	}
	return best, bestScore
}

// readThrough loads key from the persister and warms memory with it.
func (c *Adaptive[T]) readThrough(ctx context.Context, key string, allowStale bool, now time.Time) (Hit[T], bool) {
	if c.persister == nil {
		return Hit[T]{}, false
	}

	rec, ok, err := c.persister.Load(ctx, key)
	if err != nil {
		c.logger.Warn(ctx, "persisted read failed",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err},
		)
		return Hit[T]{}, false
	}
	if !ok {
		return Hit[T]{}, false
	}

	c.mu.Lock()
	cleared := rec.CreatedAt.Before(c.clearedAt)
	c.mu.Unlock()
	if cleared {
		return Hit[T]{}, false
	}

	stale := now.After(rec.ExpiresAt)
	if stale && (!allowStale || now.After(rec.ExpiresAt.Add(c.policy.StaleGrace))) {
		return Hit[T]{}, false
	}

	v, err := c.wire.Decompress(rec.Payload)
	if err != nil {
		c.logger.Warn(ctx, "persisted record undecodable",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err},
		)
		return Hit[T]{}, false
	}

	priority := rec.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		ttl = c.policy.DefaultTTL
	}
	e, compressedNow, err := c.newEntry(key, v, SetOptions{
		TTL:      ttl,
		Priority: priority,
		Tags:     rec.Tags,
		Persist:  true,
	}, rec.CreatedAt, false)
	if err == nil {
		e.accessCount = 1
		e.lastAccess = now
		if err := c.admit(ctx, e, compressedNow); err != nil {
			c.logger.Debug(ctx, "persisted entry not warmed", observe.Field{Key: "key", Value: key})
		}
	}

	c.mu.Lock()
	c.stats.Hits++
	if stale {
		c.stats.StaleHits++
	}
	c.mu.Unlock()
	if stale {
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheStaleHit)
	} else {
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheHit)
	}

	return Hit[T]{
		Value:    v,
		Key:      key,
		Match:    MatchExact,
		Stale:    stale,
		Priority: priority,
		Age:      now.Sub(rec.CreatedAt),
	}, true
}

// Set stores value under key. A write that cannot be made room for without
// evicting critical entries is rejected with an error matching ErrCapacity;
// the read path is unaffected.
func (c *Adaptive[T]) Set(ctx context.Context, key string, value T, opts SetOptions) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	now := c.clock.Now()
	e, compressedNow, err := c.newEntry(key, value, opts, now, !c.policy.DeferCompression)
	if err != nil {
		return err
	}
	if err := c.admit(ctx, e, compressedNow); err != nil {
		return err
	}

	if opts.Persist && c.persister != nil {
		if err := c.persist(ctx, e, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Adaptive[T]) newEntry(key string, value T, opts SetOptions, now time.Time, compressNow bool) (*entry[T], bool, error) {
	size, err := c.sizer(value)
	if err != nil {
		return nil, false, fmt.Errorf("cache: failed to size %s: %w", key, err)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}

	tagList := NormalizeTags(append(append([]string(nil), opts.Tags...), opts.Hints.Tags()...))
	tags := make(map[string]struct{}, len(tagList))
	for _, t := range tagList {
		tags[t] = struct{}{}
	}

	e := &entry[T]{
		key:        key,
		value:      value,
		tags:       tags,
		tagList:    tagList,
		priority:   priority,
		persist:    opts.Persist,
		createdAt:  now,
		lastAccess: now,
		ttl:        c.policy.EffectiveTTL(opts.TTL),
		size:       size,
	}

	if c.codec == nil || c.policy.CompressThreshold <= 0 || size < c.policy.CompressThreshold {
		return e, false, nil
	}
	if !compressNow {
		e.pendingCompress = true
		return e, false, nil
	}

	payload, err := c.codec.Compress(value)
	if err != nil {
		return nil, false, fmt.Errorf("cache: failed to compress %s: %w", key, err)
	}
	e.compressValue(payload)
	return e, true, nil
}

func (e *entry[T]) compressValue(payload []byte) {
	var zero T
	e.value = zero
	e.payload = payload
	e.compressed = true
	e.pendingCompress = false
	e.size = int64(len(payload))
}

// admit inserts e, evicting as needed.
func (c *Adaptive[T]) admit(ctx context.Context, e *entry[T], compressed bool) error {
	if e.size > c.policy.MaxBytes {
		return c.reject(ctx, e)
	}

	now := c.clock.Now()
	c.mu.Lock()
	var replaced int64
	old, hadOld := c.entries[e.key]
	if hadOld {
		replaced = old.size
	}

	var victims []*entry[T]
	if need := c.bytes - replaced + e.size - c.policy.MaxBytes; need > 0 {
		var ok bool
		victims, ok = selectVictims(c.entries, need, e.key, now)
		if !ok {
			c.mu.Unlock()
			return c.reject(ctx, e)
		}
	}

	var expired int
	for _, v := range victims {
		c.removeLocked(v)
		if v.expired(now) {
			c.stats.Expirations++
			expired++
		} else {
			c.stats.Evictions++
		}
	}
	if hadOld {
		c.removeLocked(old)
	}
	c.entries[e.key] = e
	c.bytes += e.size
	if compressed {
		c.stats.Compressions++
	}
	c.mu.Unlock()

	for i, v := range victims {
		event := observe.CacheEviction
		if i < expired {
			event = observe.CacheExpiration
		}
		c.metrics.RecordCacheEvent(ctx, c.name, event)
		c.logger.Debug(ctx, "evicted entry",
			observe.Field{Key: "key", Value: v.key},
			observe.Field{Key: "priority", Value: v.priority.String()},
			observe.Field{Key: "bytes", Value: v.size},
		)
	}
	if compressed {
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheCompression)
	}
	return nil
}

func (c *Adaptive[T]) reject(ctx context.Context, e *entry[T]) error {
	c.mu.Lock()
	c.stats.Rejections++
	used := c.bytes
	c.mu.Unlock()

	c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheRejection)
	c.logger.Warn(ctx, "cache write rejected",
		observe.Field{Key: "key", Value: e.key},
		observe.Field{Key: "bytes", Value: e.size},
		observe.Field{Key: "used_bytes", Value: used},
		observe.Field{Key: "max_bytes", Value: c.policy.MaxBytes},
	)
	return resilience.Capacity(c.name, fmt.Errorf("entry %q needs %d bytes, budget %d", e.key, e.size, c.policy.MaxBytes))
}

func (c *Adaptive[T]) persist(ctx context.Context, e *entry[T], value T) error {
	payload := e.payload
	if !e.compressed {
		var err error
		if payload, err = c.wire.Compress(value); err != nil {
			return fmt.Errorf("cache: failed to encode %s: %w", e.key, err)
		}
	}

	rec := Record{
		Key:       e.key,
		Payload:   payload,
		Tags:      e.tagList,
		Priority:  e.priority,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt(),
	}
	if err := c.persister.Save(ctx, rec, c.policy.Retention(e.ttl)); err != nil {
		return fmt.Errorf("cache: write-through %s: %w", e.key, err)
	}
	return nil
}

func (c *Adaptive[T]) removeLocked(e *entry[T]) {
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
		c.bytes -= e.size
	}
}

// Delete removes key from memory and the persister. Idempotent.
func (c *Adaptive[T]) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if c.persister != nil {
		return c.persister.Delete(ctx, key)
	}
	return nil
}

// InvalidateByTag removes every entry whose tags intersect tags, in memory
// and in the persister. It returns how many in-memory entries were removed.
func (c *Adaptive[T]) InvalidateByTag(ctx context.Context, tags []string) (int, error) {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	removed := 0
	for _, e := range c.entries {
		if e.hasAnyTag(tags) {
			c.removeLocked(e)
			removed++
		}
	}
	c.mu.Unlock()

	c.logger.Info(ctx, "invalidated by tag",
		observe.Field{Key: "tags", Value: tags},
		observe.Field{Key: "removed", Value: removed},
	)

	if c.persister != nil {
		if err := c.persister.DeleteTags(ctx, tags); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Clear drops every entry immediately, in memory and in the persister. Records
// written before the clear are never read through again, even when the
// persister fails to remove them.
func (c *Adaptive[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry[T])
	c.bytes = 0
	c.clearedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info(ctx, "cache cleared")

	if c.persister != nil {
		return c.persister.Clear(ctx)
	}
	return nil
}

// Len returns the number of in-memory entries, including stale ones still
// within their grace period.
func (c *Adaptive[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the cache's counters. Hits counts every hit;
// SemanticHits and StaleHits are subsets of it.
func (c *Adaptive[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	s.MaxBytes = c.policy.MaxBytes
	return s
}
