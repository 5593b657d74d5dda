package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then admits the request
// only if fewer than limit entries remain. Denied requests are not recorded.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	return 1
end
return 0
`)

// RedisLimiter allows limit requests per key in any sliding window.
type RedisLimiter struct {
	client     *redis.Client
	prefix     string
	limit      int
	window     time.Duration
	ownsClient bool
}

// NewRedisLimiter uses an existing client. Close does not close it.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// NewRedisLimiterFromURL connects to redisURL (redis://...) and verifies
// the connection. Close closes the client.
func NewRedisLimiterFromURL(ctx context.Context, redisURL, prefix string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	l := NewRedisLimiter(client, prefix, limit, window)
	l.ownsClient = true
	return l, nil
}

// Allow records one request for key if the window has room.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMicro()
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		now, l.window.Microseconds(), l.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

// Close closes the client when the limiter created it.
func (l *RedisLimiter) Close() error {
	if !l.ownsClient {
		return nil
	}
	return l.client.Close()
}
