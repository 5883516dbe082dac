package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refit/pkg/apperr"
)

func TestPolicyCheckUsesClassBudget(t *testing.T) {
	rejected := map[Class]int{}
	p := &Policy{
		Limiter:  NewInMemory(),
		Budgets:  map[Class]Budget{ClassPayout: {Limit: 1, Window: time.Minute}},
		OnReject: func(c Class) { rejected[c]++ },
	}
	ctx := context.Background()
	if _, err := p.Check(ctx, ClassPayout, "1.1.1.1"); err != nil {
		t.Fatalf("first payout attempt: %v", err)
	}
	_, err := p.Check(ctx, ClassPayout, "1.1.1.1")
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindRateLimited || e.RetryAfter <= 0 {
		t.Fatalf("expected rate limited with retry, got %v", err)
	}
	if rejected[ClassPayout] != 1 {
		t.Fatalf("expected reject hook, got %v", rejected)
	}
	// Classes are budgeted independently.
	if _, err := p.Check(ctx, ClassStandard, "1.1.1.1"); err != nil {
		t.Fatalf("standard class should be unaffected: %v", err)
	}
}

func TestDefaultBudgets(t *testing.T) {
	b := DefaultBudgets()
	if b[ClassAuth].Limit != 5 || b[ClassAuth].Window != 15*time.Minute {
		t.Fatalf("unexpected auth budget %+v", b[ClassAuth])
	}
	if b[ClassPayout].Limit >= b[ClassAuth].Limit {
		t.Fatalf("expected payout tighter than auth, got %+v", b[ClassPayout])
	}
	p := &Policy{}
	if got := p.budget(Class("unknown")); got != b[ClassStandard] {
		t.Fatalf("expected unknown class to use standard budget, got %+v", got)
	}
}

func TestPolicyMiddleware(t *testing.T) {
	p := &Policy{
		Limiter:  NewInMemory(),
		Budgets:  map[Class]Budget{ClassAuth: {Limit: 1, Window: time.Minute}},
		Identity: &IdentityResolver{},
	}
	h := p.Middleware(ClassAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/verify", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := do(); rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected first response %d %v", rr.Code, rr.Header())
	}
	rr := do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if secs, _ := body["retryAfterSeconds"].(float64); secs < 1 {
		t.Fatalf("expected retryAfterSeconds hint, got %#v", body)
	}
}
