package cursorstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares round-robin cursors across multiple gateway
// processes via a single Redis INCR counter per key. An alternative to
// MemoryStore for horizontally-scaled deployments; not the default.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an already-configured redis.Client. keyPrefix is
// prepended to every cursor key to namespace it within a shared instance.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) namespaced(key string) string {
	return fmt.Sprintf("%scursor:%s", r.keyPrefix, key)
}

// Next implements Store using INCR, so cursor advancement is atomic even
// with multiple gateway processes sharing the same Redis instance.
func (r *RedisStore) Next(ctx context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	val, err := r.client.Incr(ctx, r.namespaced(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cursorstore: incr %q: %w", key, err)
	}
	// INCR returns the post-increment value, starting at 1; subtract one
	// so the first caller for a fresh key observes index 0, matching
	// MemoryStore.
	current := int((val - 1) % int64(n))
	if current < 0 {
		current += n
	}
	return current, nil
}

// Peek implements Store using GET, so observing the cursor never
// advances it. The stored value is the raw INCR counter, not yet
// reduced modulo n, since Peek has no n to reduce against — callers
// that need the eligible-index form should apply `% n` themselves.
func (r *RedisStore) Peek(ctx context.Context, key string) (int, bool, error) {
	val, err := r.client.Get(ctx, r.namespaced(key)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cursorstore: peek %q: %w", key, err)
	}
	return int(val), true, nil
}

// Reset implements Store.
func (r *RedisStore) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.namespaced(k)
	}
	if err := r.client.Del(ctx, namespaced...).Err(); err != nil {
		return fmt.Errorf("cursorstore: reset: %w", err)
	}
	return nil
}
