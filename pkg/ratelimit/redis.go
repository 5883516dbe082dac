package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"refit/pkg/apperr"
)

// slidingWindowScript trims entries older than the window, admits the
// attempt only while under the limit, and reports the oldest surviving
// score so callers can compute when a slot frees up.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], window)
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {count, allowed, oldestScore}
`)

type RedisLimiter struct {
	Client  redis.Scripter
	Prefix  string
	Timeout time.Duration
	// Fallback, when set, answers while Redis is unreachable. Leave nil in
	// multi-instance deployments so outages fail closed.
	Fallback Limiter
	now      func() time.Time
}

func NewRedis(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{
		Client:  client,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
		now:     time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit, window, fmt.Errorf("no redis client"))
	}
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	now := l.now().UTC()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key},
		nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return l.fallback(ctx, key, limit, window, err)
	}
	if len(res) < 3 {
		return l.fallback(ctx, key, limit, window, fmt.Errorf("unexpected script reply %v", res))
	}
	resetAt := time.UnixMilli(res[2]).UTC().Add(window)
	return decide(res[1] == 1, int(res[0]), limit, now, resetAt), nil
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, window time.Duration, cause error) (Decision, error) {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit, window)
	}
	return Decision{Limit: limit}, apperr.Upstream("rate limit store unavailable", cause)
}
