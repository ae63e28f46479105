package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates the scope is currently locked by another holder.
var ErrLockHeld = errors.New("platform/cache: scope lock held")

// ScopeLocker hands out exclusive locks over maintenance scopes, e.g. a
// projection rebuild for one product or for the whole ledger.
type ScopeLocker struct {
	client *redis.Client
	locker *redislock.Client
}

// NewScopeLocker constructs a ScopeLocker on top of a redis client.
func NewScopeLocker(client *redis.Client) *ScopeLocker {
	return &ScopeLocker{client: client, locker: redislock.New(client)}
}

// Acquire obtains the lock for key or fails immediately with ErrLockHeld.
func (l *ScopeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*redislock.Lock, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("platform/cache: obtain lock %s: %w", key, err)
	}
	return lock, nil
}

// Held reports whether any holder currently owns the lock for key.
func (l *ScopeLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("platform/cache: check lock %s: %w", key, err)
	}
	return n > 0, nil
}
