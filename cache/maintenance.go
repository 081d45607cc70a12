package cache

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/jonwraymond/apiguard/observe"
)

// DefaultMaintenanceSchedule runs Sweep and Compact once a minute.
const DefaultMaintenanceSchedule = "@every 1m"

// Sweep drops entries past their TTL and stale grace period. It returns the
// number removed.
func (c *Adaptive[T]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for _, e := range c.entries {
		if now.After(e.retainedUntil(c.policy.StaleGrace)) {
			c.removeLocked(e)
			removed++
		}
	}
	c.stats.Expirations += int64(removed)
	c.mu.Unlock()

	ctx := context.Background()
	for range removed {
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheExpiration)
	}
	return removed
}

type pendingEntry[T any] struct {
	e     *entry[T]
	value T
}

// Compact compresses entries whose compression was deferred. Encoding
// happens outside the lock; an entry replaced meanwhile is left alone. It
// returns the number compressed.
func (c *Adaptive[T]) Compact() int {
	if c.codec == nil {
		return 0
	}

	c.mu.Lock()
	var pending []pendingEntry[T]
	for _, e := range c.entries {
		if e.pendingCompress {
			pending = append(pending, pendingEntry[T]{e: e, value: e.value})
		}
	}
	c.mu.Unlock()

	ctx := context.Background()
	compacted := 0
	for _, p := range pending {
		payload, err := c.codec.Compress(p.value)
		if err != nil {
			c.logger.Warn(ctx, "deferred compression failed",
				observe.Field{Key: "key", Value: p.e.key},
				observe.Field{Key: "error", Value: err},
			)
			continue
		}

		c.mu.Lock()
		if cur, ok := c.entries[p.e.key]; ok && cur == p.e && p.e.pendingCompress {
			before := p.e.size
			p.e.compressValue(payload)
			c.bytes += p.e.size - before
			c.stats.Compressions++
			compacted++
		}
		c.mu.Unlock()
	}

	for range compacted {
		c.metrics.RecordCacheEvent(ctx, c.name, observe.CacheCompression)
	}
	return compacted
}

// StartMaintenance runs Sweep and Compact on a cron schedule. An empty
// schedule uses DefaultMaintenanceSchedule. Calling it again replaces the
// running schedule.
func (c *Adaptive[T]) StartMaintenance(schedule string) error {
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}

	cr := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := cr.AddFunc(schedule, c.maintain); err != nil {
		return err
	}

	c.cronMu.Lock()
	prev := c.cron
	c.cron = cr
	c.cronMu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	cr.Start()

	c.logger.Info(context.Background(), "cache maintenance started",
		observe.Field{Key: "schedule", Value: schedule},
	)
	return nil
}

func (c *Adaptive[T]) maintain() {
	swept := c.Sweep()
	compacted := c.Compact()
	if swept > 0 || compacted > 0 {
		c.logger.Debug(context.Background(), "cache maintenance",
			observe.Field{Key: "swept", Value: swept},
			observe.Field{Key: "compacted", Value: compacted},
		)
	}
}

// Close stops maintenance and waits for a running pass to finish. It
// returns ErrClosed if maintenance was not running.
func (c *Adaptive[T]) Close() error {
	c.cronMu.Lock()
	cr := c.cron
	c.cron = nil
	c.cronMu.Unlock()

	if cr == nil {
		return ErrClosed
	}
	<-cr.Stop().Done()
	return nil
}
