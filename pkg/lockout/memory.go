package lockout

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard mirrors RedisGuard for single-process development and tests.
type MemoryGuard struct {
	mu       sync.Mutex
	policy   Policy
	now      func() time.Time
	failures map[string]counter
	locks    map[string]time.Time
}

type counter struct {
	n         int
	expiresAt time.Time
}

func NewMemory(p Policy) *MemoryGuard {
	return &MemoryGuard{
		policy:   p.normalized(),
		now:      time.Now,
		failures: map[string]counter{},
		locks:    map[string]time.Time{},
	}
}

func (g *MemoryGuard) Status(_ context.Context, actor string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if until, ok := g.locks[actor]; ok && now.Before(until) {
		return State{Locked: true, RetryAfter: until.Sub(now)}, nil
	}
	n := g.liveFailures(actor, now)
	return State{Failures: n, AttemptsRemaining: remaining(g.policy, n)}, nil
}

func (g *MemoryGuard) RecordFailure(_ context.Context, actor string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if until, ok := g.locks[actor]; ok && now.Before(until) {
		return State{Locked: true, RetryAfter: until.Sub(now)}, nil
	}
	c, ok := g.failures[actor]
	if !ok || !now.Before(c.expiresAt) {
		c = counter{expiresAt: now.Add(g.policy.Window)}
	}
	c.n++
	if c.n >= g.policy.Threshold {
		delete(g.failures, actor)
		g.locks[actor] = now.Add(g.policy.LockTTL)
		return State{Locked: true, Failures: c.n, RetryAfter: g.policy.LockTTL}, nil
	}
	g.failures[actor] = c
	return State{Failures: c.n, AttemptsRemaining: remaining(g.policy, c.n)}, nil
}

func (g *MemoryGuard) RecordSuccess(ctx context.Context, actor string) error {
	return g.Unlock(ctx, actor)
}

func (g *MemoryGuard) Unlock(_ context.Context, actor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, actor)
	delete(g.locks, actor)
	return nil
}

func (g *MemoryGuard) liveFailures(actor string, now time.Time) int {
	c, ok := g.failures[actor]
	if !ok || !now.Before(c.expiresAt) {
		return 0
	}
	return c.n
}
