package respcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for cached replies
const redisKeyPrefix = "sandesh:cache:"

// RedisBackend stores replies in Redis under a per-session namespace so
// several bridge processes can share one cache without cross-talk between
// sessions. Expiry is delegated to Redis key TTLs.
type RedisBackend struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisBackend creates a backend scoped to namespace (usually a session ID).
func NewRedisBackend(client redis.UniversalClient, namespace string) *RedisBackend {
	return &RedisBackend{
		client:    client,
		namespace: redisKeyPrefix + namespace + ":",
	}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Sweep is a no-op: Redis expires keys itself.
func (r *RedisBackend) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Clear deletes every key in the namespace.
func (r *RedisBackend) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.namespace+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisBackend) key(key string) string {
	return r.namespace + key
}
