package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter on a shared Redis instance so several
// replicas enforce one combined limit. Fixed window via INCR, with the
// expiry set when the window's first request creates the counter.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit requests per key per
// window across all processes sharing the client's Redis.
// The client is owned by the caller; Close does not touch it.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow counts one request against the key's current window.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "sluice:ratelimit:" + key
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}
	return count <= int64(rl.limit), nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (rl *RedisLimiter) Close() error { return nil }
