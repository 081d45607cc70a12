package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the persisted form of an entry.
type Record struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Tags      []string  `json:"tags,omitempty"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Persister is the durable second tier behind an Adaptive cache. Entries set
// with Persist are written through; exact misses are read through.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Load returns (Record{}, false, nil) on a miss.
// - Delete and DeleteTags are idempotent.
type Persister interface {
	Load(ctx context.Context, key string) (Record, bool, error)

	// Save stores rec, keeping it for retention.
	Save(ctx context.Context, rec Record, retention time.Duration) error

	Delete(ctx context.Context, key string) error

	// DeleteTags removes every record carrying any of tags.
	DeleteTags(ctx context.Context, tags []string) error

	// Clear removes every record and tag index the persister owns.
	Clear(ctx context.Context) error
}

// DefaultRedisPrefix namespaces cache records in Redis.
const DefaultRedisPrefix = "apiguard:cache:"

// RedisPersister keeps records as JSON strings and maintains one set per tag
// so that tag invalidation does not need to scan the keyspace.
type RedisPersister struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPersister creates a persister on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisPersister(client redis.UniversalClient, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) entryKey(key string) string { return p.prefix + "entry:" + key }
func (p *RedisPersister) tagKey(tag string) string   { return p.prefix + "tag:" + tag }

// Load reads the record for key.
func (p *RedisPersister) Load(ctx context.Context, key string) (Record, bool, error) {
	data, err := p.client.Get(ctx, p.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("cache: failed to load key %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("cache: failed to unmarshal record %s: %w", key, err)
	}
	return rec, true, nil
}

// Save writes rec and indexes it under each of its tags.
func (p *RedisPersister) Save(ctx context.Context, rec Record, retention time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal record %s: %w", rec.Key, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.entryKey(rec.Key), data, retention)
		for _, tag := range rec.Tags {
			pipe.SAdd(ctx, p.tagKey(tag), rec.Key)
			pipe.Expire(ctx, p.tagKey(tag), retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: failed to save key %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record for key.
func (p *RedisPersister) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}
	return nil
}

// DeleteTags removes every record indexed under any of tags, and the tag
// sets themselves.
func (p *RedisPersister) DeleteTags(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		members, err := p.client.SMembers(ctx, p.tagKey(tag)).Result()
		if err != nil {
			return fmt.Errorf("cache: failed to read tag %s: %w", tag, err)
		}

		keys := make([]string, 0, len(members)+1)
		for _, m := range members {
			keys = append(keys, p.entryKey(m))
		}
		keys = append(keys, p.tagKey(tag))

		if err := p.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache: failed to invalidate tag %s: %w", tag, err)
		}
	}
	return nil
}

// clearBatch bounds the keys fetched per SCAN call and removed per DEL.
const clearBatch = 256

// Clear removes every key under the persister's prefix. Keys are found with
// SCAN so a large keyspace is never blocked by a single KEYS call.
func (p *RedisPersister) Clear(ctx context.Context) error {
	iter := p.client.Scan(ctx, 0, p.prefix+"*", clearBatch).Iterator()
	batch := make([]string, 0, clearBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache: failed to clear %s: %w", p.prefix, err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == clearBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: failed to scan %s: %w", p.prefix, err)
	}
	return flush()
}

var _ Persister = (*RedisPersister)(nil)
