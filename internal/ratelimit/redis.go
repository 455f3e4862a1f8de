// redis.go -- Redis-backed sliding window for multi-instance deployments.
//
// Each key is a sorted set of admitted call times (score = unix ms). The Lua
// script trims, counts and conditionally adds in one atomic step.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript returns 1 when the call is admitted, 0 otherwise.
// KEYS[1] = window key; ARGV = now_ms, window_ms, max_calls, member.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
if redis.call('ZCARD', key) >= max then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisWindow implements Limiter on Redis. Safe for concurrent use.
type RedisWindow struct {
	rdb      *redis.Client
	prefix   string
	maxCalls int
	window   time.Duration
	now      func() time.Time
}

// NewRedisWindow returns a limiter whose keys live under "ratelimit:<prefix>:".
func NewRedisWindow(rdb *redis.Client, prefix string, maxCalls int, window time.Duration) (*RedisWindow, error) {
	if err := validate(maxCalls, window); err != nil {
		return nil, err
	}
	return &RedisWindow{
		rdb:      rdb,
		prefix:   "ratelimit:" + prefix + ":",
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}, nil
}

// WithClock replaces the time source. For tests.
func (l *RedisWindow) WithClock(now func() time.Time) *RedisWindow {
	l.now = now
	return l
}

// Allow implements Limiter. Redis failures are returned as-is, never as a denial.
func (l *RedisWindow) Allow(ctx context.Context, key string) error {
	member, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating window member: %w", err)
	}

	admitted, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + key},
		l.now().UnixMilli(), l.window.Milliseconds(), l.maxCalls, member.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("evaluating rate limit: %w", err)
	}
	if admitted == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
