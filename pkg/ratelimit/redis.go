package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
)

// fixedWindowScript bumps a window counter atomically. The key expires two
// windows after creation so Redis self-cleans.
// KEYS[1] = window key, ARGV[1] = limit, ARGV[2] = ttl seconds.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
if count > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RedisLimiter keeps fixed windows in Redis, for deployments where several
// kernel processes front the same tenants.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	clock  func() time.Time
}

// NewRedisLimiter connects a limiter to addr.
func NewRedisLimiter(addr, password string, db int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, scope, scopeID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	windowStart := l.clock().UTC().Truncate(l.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, scopeID, windowStart.Unix())
	ttl := int64((2 * l.window).Seconds())

	allowed, err := fixedWindowScript.Run(ctx, l.client, []string{key}, limit, ttl).Int()
	if err != nil {
		// Fail closed: an unreachable limiter must not grant free passes.
		return contracts.Faultf(contracts.ErrRateLimited, "rate limiter unavailable: %v", err)
	}
	if allowed == 0 {
		return contracts.Faultf(contracts.ErrRateLimited, "%s %s exceeded %d requests in window", scope, scopeID, limit)
	}
	return nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }

var _ Limiter = (*RedisLimiter)(nil)
