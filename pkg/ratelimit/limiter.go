package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// Limiter counts attempts per key inside a sliding window. Implementations
// backed by a shared store give the same answer on every instance.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// InMemoryLimiter keeps a sliding log per key in process memory. It is only
// suitable for single-instance development setups.
type InMemoryLimiter struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string][]time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{now: time.Now, items: make(map[string][]time.Time)}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now().UTC()
	cutoff := now.Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.items[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	allowed := len(kept) < limit
	if allowed {
		kept = append(kept, now)
	}
	if len(kept) == 0 {
		delete(l.items, key)
	} else {
		l.items[key] = kept
	}
	return decide(allowed, len(kept), limit, now, kept[0].Add(window)), nil
}

func decide(allowed bool, count, limit int, now, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   allowed,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}
