package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/apiguard/token"
)

// Redis defaults.
const (
	DefaultRedisPrefix  = "apiguard:token:"
	DefaultEventChannel = "apiguard:token-events"
)

// RedisBackend stores records as Redis strings without expiry. Grants
// outlive their access tokens through the refresh token.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return raw, err
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	return b.client.Set(ctx, b.prefix+key, value, 0).Err()
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.prefix+key).Err()
}

// RedisNotifier publishes token events as JSON on a Redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a notifier. An empty channel uses
// DefaultEventChannel.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish implements token.Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, ev token.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("tokenstore: encode event: %w", err)
	}
	return n.client.Publish(ctx, n.channel, raw).Err()
}

// Subscribe delivers events from the channel to fn until ctx is done.
// Undecodable messages are skipped. The subscription is confirmed before
// Subscribe starts its goroutine, so events published after it returns are
// not missed.
func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(token.Event)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("tokenstore: subscribe %s: %w", n.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev token.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}

var (
	_ Backend        = (*RedisBackend)(nil)
	_ token.Notifier = (*RedisNotifier)(nil)
)
