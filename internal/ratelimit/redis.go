package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces rate-limit keys in a shared Redis.
const DefaultRedisPrefix = "geogate:rl:"

// hitScript increments the window counter and arms its expiry on the first hit,
// so the window starts with the first attempt and Redis discards it afterwards.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

type redisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend counts windows in Redis. Window age is measured by the Redis
// server clock; the now argument of Hit is ignored.
func NewRedisBackend(client *redis.Client, prefix string) Backend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisBackend{client: client, prefix: prefix}
}

func (r *redisBackend) Hit(ctx context.Context, key string, window time.Duration, _ time.Time) (int, error) {
	n, err := hitScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis rate window %q: %w", key, err)
	}
	return n, nil
}

func (r *redisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
