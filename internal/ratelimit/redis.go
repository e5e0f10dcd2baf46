package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisPrefix = "kaname:rl"

// allowScript atomically increments the window counter and sets its expiry
// on first increment. Returns the count after increment.
var allowScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter implements Limiter with a fixed window counter in Redis,
// shared across all server instances pointing at the same Redis.
type RedisLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit requests per key per window.
func NewRedisLimiter(client *goredis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

// Allow increments the current window's counter for key and compares it to
// the limit. Redis errors are returned so callers can fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	stamp := time.Now().UnixMilli() / l.window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", redisPrefix, key, stamp)

	n, err := allowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return n <= l.limit, nil
}

// Close closes the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
