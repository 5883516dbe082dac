package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"refit/pkg/apperr"
)

// recordFailureScript returns {locked, failures, lockTTLms}. An existing lock
// short-circuits without touching the counter.
var recordFailureScript = redis.NewScript(`
local lockTTL = redis.call("PTTL", KEYS[2])
if lockTTL > 0 then
  return {1, 0, lockTTL}
end
local failures = redis.call("INCR", KEYS[1])
if failures == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if failures >= tonumber(ARGV[2]) then
  redis.call("SET", KEYS[2], "1", "PX", ARGV[3])
  redis.call("DEL", KEYS[1])
  return {1, failures, tonumber(ARGV[3])}
end
return {0, failures, 0}
`)

type RedisGuard struct {
	Client  redis.Cmdable
	Policy  Policy
	Prefix  string
	Timeout time.Duration
}

func NewRedis(client redis.Cmdable, p Policy) *RedisGuard {
	return &RedisGuard{Client: client, Policy: p.normalized(), Prefix: "lockout:", Timeout: 2 * time.Second}
}

func (g *RedisGuard) keys(actor string) (string, string) {
	return g.Prefix + "fail:" + actor, g.Prefix + "lock:" + actor
}

func (g *RedisGuard) Status(ctx context.Context, actor string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	failKey, lockKey := g.keys(actor)
	pipe := g.Client.Pipeline()
	ttlCmd := pipe.PTTL(ctx, lockKey)
	failCmd := pipe.Get(ctx, failKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return State{}, apperr.Upstream("lockout store unavailable", err)
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		return State{Locked: true, RetryAfter: ttl}, nil
	}
	failures, _ := failCmd.Int()
	return State{Failures: failures, AttemptsRemaining: remaining(g.Policy, failures)}, nil
}

func (g *RedisGuard) RecordFailure(ctx context.Context, actor string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	failKey, lockKey := g.keys(actor)
	res, err := recordFailureScript.Run(ctx, g.Client, []string{failKey, lockKey},
		g.Policy.Window.Milliseconds(), g.Policy.Threshold, g.Policy.LockTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return State{}, apperr.Upstream("lockout store unavailable", err)
	}
	if len(res) < 3 {
		return State{}, apperr.Upstream("lockout store unavailable", fmt.Errorf("unexpected script reply %v", res))
	}
	failures := int(res[1])
	if res[0] == 1 {
		return State{Locked: true, Failures: failures, RetryAfter: time.Duration(res[2]) * time.Millisecond}, nil
	}
	return State{Failures: failures, AttemptsRemaining: remaining(g.Policy, failures)}, nil
}

func (g *RedisGuard) RecordSuccess(ctx context.Context, actor string) error {
	return g.clear(ctx, actor)
}

func (g *RedisGuard) Unlock(ctx context.Context, actor string) error {
	return g.clear(ctx, actor)
}

func (g *RedisGuard) clear(ctx context.Context, actor string) error {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	failKey, lockKey := g.keys(actor)
	if err := g.Client.Del(ctx, failKey, lockKey).Err(); err != nil {
		return apperr.Upstream("lockout store unavailable", err)
	}
	return nil
}
