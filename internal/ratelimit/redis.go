package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the counter and starts the window on the first
// hit, returning the new count and the milliseconds left in the window.
var consumeScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis is a fixed-window limiter whose counters live in Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	quota  Quota
}

// NewRedis returns a limiter that stores counters under prefix in client.
func NewRedis(client redis.UniversalClient, prefix string, quota Quota) *Redis {
	return &Redis{client: client, prefix: prefix, quota: quota.sanitize()}
}

// NewRedisFromURL dials the redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url, prefix string, quota Quota) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, quota), nil
}

// Consume implements Limiter.
func (r *Redis) Consume(ctx context.Context, key string) error {
	redisKey := key
	if r.prefix != "" {
		redisKey = r.prefix + ":" + key
	}

	res, err := consumeScript.Run(ctx, r.client, []string{redisKey}, r.quota.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("rate limit store: unexpected reply %v", res)
	}

	if res[0] > int64(r.quota.Points) {
		retry := time.Duration(res[1]) * time.Millisecond
		if retry < 0 {
			retry = 0
		}
		return &RateLimitError{Key: key, Limit: r.quota.Points, RetryAfter: retry}
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
