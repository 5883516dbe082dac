// Package lockout escalates repeated authentication failures for one actor
// into a timed lock held in the shared store.
package lockout

import (
	"context"
	"time"
)

type Policy struct {
	Threshold int
	Window    time.Duration
	LockTTL   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 5, Window: 15 * time.Minute, LockTTL: time.Hour}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.LockTTL <= 0 {
		p.LockTTL = d.LockTTL
	}
	return p
}

// State describes an actor after a status check or a recorded failure.
type State struct {
	Locked            bool
	RetryAfter        time.Duration
	Failures          int
	AttemptsRemaining int
}

type Guard interface {
	Status(ctx context.Context, actor string) (State, error)
	RecordFailure(ctx context.Context, actor string) (State, error)
	RecordSuccess(ctx context.Context, actor string) error
	Unlock(ctx context.Context, actor string) error
}

func remaining(p Policy, failures int) int {
	r := p.Threshold - failures
	if r < 0 {
		return 0
	}
	return r
}
