package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"refit/pkg/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestInMemoryLimiterSlidingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewInMemory()
	limiter.now = clock.now
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, _ := limiter.Allow(ctx, "auth:1.2.3.4", 2, time.Minute)
		if !d.Allowed || d.Count != i {
			t.Fatalf("attempt %d: unexpected decision %+v", i, d)
		}
		clock.t = clock.t.Add(10 * time.Second)
	}
	d, _ := limiter.Allow(ctx, "auth:1.2.3.4", 2, time.Minute)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected rejection, got %+v", d)
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("expected retry after oldest entry leaves window (40s), got %v", d.RetryAfter)
	}
	clock.t = clock.t.Add(41 * time.Second)
	d, _ = limiter.Allow(ctx, "auth:1.2.3.4", 2, time.Minute)
	if !d.Allowed || d.Count != 2 {
		t.Fatalf("expected one slot freed by sliding window, got %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	d, _ := NewInMemory().Allow(context.Background(), "k", 0, 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected floor limit=1, got %+v", d)
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	client, _ := newTestRedis(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRedis(client)
	limiter.now = clock.now
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := limiter.Allow(ctx, "auth:ip", 5, 15*time.Minute)
		if err != nil || !d.Allowed || d.Count != i || d.Remaining != 5-i {
			t.Fatalf("attempt %d: %+v err=%v", i, d, err)
		}
		clock.t = clock.t.Add(time.Minute)
	}
	d, err := limiter.Allow(ctx, "auth:ip", 5, 15*time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("expected sixth attempt rejected, got %+v err=%v", d, err)
	}
	if d.RetryAfter != 10*time.Minute {
		t.Fatalf("expected 10m retry, got %v", d.RetryAfter)
	}
	clock.t = clock.t.Add(10*time.Minute + time.Second)
	d, err = limiter.Allow(ctx, "auth:ip", 5, 15*time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("expected admission after oldest expired, got %+v err=%v", d, err)
	}
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	client, _ := newTestRedis(t)
	a, b := NewRedis(client), NewRedis(client)
	ctx := context.Background()
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		lim := a
		if i%2 == 1 {
			lim = b
		}
		go func(l *RedisLimiter) {
			defer wg.Done()
			if d, err := l.Allow(ctx, "payout:wallet", 3, time.Minute); err == nil && d.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}(lim)
	}
	wg.Wait()
	if admitted != 3 {
		t.Fatalf("expected exactly 3 admissions across instances, got %d", admitted)
	}
}

func TestRedisLimiterUnavailableFailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	limiter := NewRedis(client)
	_, err := limiter.Allow(context.Background(), "k", 1, time.Minute)
	if !apperr.IsKind(err, apperr.KindUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
}

func TestRedisLimiterFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	limiter := NewRedis(client)
	limiter.Fallback = NewInMemory()
	first, err := limiter.Allow(context.Background(), "k", 1, time.Minute)
	if err != nil || !first.Allowed {
		t.Fatalf("expected fallback admission, got %+v err=%v", first, err)
	}
	second, _ := limiter.Allow(context.Background(), "k", 1, time.Minute)
	if second.Allowed {
		t.Fatalf("expected fallback to enforce limit, got %+v", second)
	}
}
