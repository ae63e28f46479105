package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// tombstone marks a key as just invalidated by a writer. Readers that loaded
// the old value before the write committed must not repopulate the key while
// the tombstone lives.
const tombstone = "\x00invalidated"

// tombstoneTTL bounds the window in which repopulation is refused. It only
// needs to outlive an in-flight read between its database query and its
// cache write.
const tombstoneTTL = 2 * time.Second

// KV is a small typed wrapper over redis string values used for read caches.
type KV struct {
	client *redis.Client
	ttl    time.Duration
}

// NewKV constructs a KV cache with a default TTL per entry.
func NewKV(client *redis.Client, ttl time.Duration) *KV {
	return &KV{client: client, ttl: ttl}
}

// Get returns the cached value and whether it was present. Tombstoned keys
// report as absent.
func (c *KV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	if val == tombstone {
		return "", false, nil
	}
	return val, true, nil
}

// SetIfAbsent stores the value under key with the configured TTL unless the
// key already holds something, a tombstone included. Read paths populate
// misses through this so a value read before a concurrent write committed
// cannot overwrite that write's invalidation.
func (c *KV) SetIfAbsent(ctx context.Context, key, value string) error {
	return c.client.SetNX(ctx, key, value, c.ttl).Err()
}

// Invalidate replaces keys with a short-lived tombstone.
func (c *KV) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, tombstone, tombstoneTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes keys. Missing keys are not an error.
func (c *KV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
