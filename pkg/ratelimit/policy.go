package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"refit/pkg/apperr"
	"refit/pkg/httpx"
)

// Class groups routes that share a budget.
type Class string

const (
	ClassAuth     Class = "auth"
	ClassPayout   Class = "payout"
	ClassAdmin    Class = "admin"
	ClassShipping Class = "shipping-cost"
	ClassStandard Class = "standard"
	ClassWebhook  Class = "webhook"
	ClassQuote    Class = "quote"
)

type Budget struct {
	Limit  int
	Window time.Duration
}

func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		ClassAuth:     {Limit: 5, Window: 15 * time.Minute},
		ClassPayout:   {Limit: 3, Window: 15 * time.Minute},
		ClassAdmin:    {Limit: 30, Window: 15 * time.Minute},
		ClassShipping: {Limit: 20, Window: time.Minute},
		ClassStandard: {Limit: 100, Window: time.Minute},
		ClassWebhook:  {Limit: 200, Window: time.Minute},
		ClassQuote:    {Limit: 30, Window: time.Minute},
	}
}

// Policy applies per-class budgets keyed by client identity.
type Policy struct {
	Limiter  Limiter
	Budgets  map[Class]Budget
	Identity *IdentityResolver
	// OnReject is called for every rejected attempt, typically a metrics hook.
	OnReject func(Class)
}

func (p *Policy) budget(class Class) Budget {
	if b, ok := p.Budgets[class]; ok && b.Limit > 0 {
		return b
	}
	if b, ok := DefaultBudgets()[class]; ok {
		return b
	}
	return DefaultBudgets()[ClassStandard]
}

// Check records one attempt for identity under class. A rejected attempt
// returns an apperr.RateLimited error carrying the retry delay.
func (p *Policy) Check(ctx context.Context, class Class, identity string) (Decision, error) {
	b := p.budget(class)
	d, err := p.Limiter.Allow(ctx, string(class)+":"+identity, b.Limit, b.Window)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		if p.OnReject != nil {
			p.OnReject(class)
		}
		return d, apperr.RateLimited(d.RetryAfter)
	}
	return d, nil
}

func (p *Policy) Middleware(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := p.Check(r.Context(), class, p.Identity.Resolve(r))
			if d.Limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.ResetAt.IsZero() {
					h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
				}
			}
			if err != nil {
				httpx.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
