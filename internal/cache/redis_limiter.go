package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisAttemptLimiter is a fixed-window limiter backed by Redis so the
// count is shared across replicas. The first attempt in a window creates
// the counter with an expiry; later attempts increment it.
type RedisAttemptLimiter struct {
	client *redis.Client
	window time.Duration
	max    int64
}

func NewRedisAttemptLimiter(addr string, password string, db int, max int, window time.Duration) *RedisAttemptLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAttemptLimiter{client: client, window: window, max: int64(max)}
}

func (l *RedisAttemptLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisAttemptLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisAttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "attempt:" + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= l.max, nil
}
