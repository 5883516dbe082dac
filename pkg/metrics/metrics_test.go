package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := NewRegistry()
	r := chi.NewRouter()
	r.Use(reg.Middleware)
	r.Get("/v1/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/orders/"+id, nil))
	}
	got := testutil.ToFloat64(reg.requests.WithLabelValues("/v1/orders/{id}", "GET", "404"))
	if got != 3 {
		t.Fatalf("expected 3 requests under route pattern, got %v", got)
	}
}

func TestDomainCounters(t *testing.T) {
	reg := NewRegistry()
	reg.RateLimited("auth")
	reg.RateLimited("auth")
	reg.Locked("admin")
	reg.AuthFailed("wallet")
	reg.Deposit("verified")
	reg.Deposit("no_custody_transfer")
	reg.Payout("completed")
	reg.Transition("inspected", "completed")

	if v := testutil.ToFloat64(reg.rateLimited.WithLabelValues("auth")); v != 2 {
		t.Fatalf("rate limited = %v", v)
	}
	if v := testutil.ToFloat64(reg.deposits.WithLabelValues("no_custody_transfer")); v != 1 {
		t.Fatalf("deposits = %v", v)
	}
	if v := testutil.ToFloat64(reg.transitions.WithLabelValues("inspected", "completed")); v != 1 {
		t.Fatalf("transitions = %v", v)
	}
}

func TestHandlerExposesText(t *testing.T) {
	reg := NewRegistry()
	reg.Payout("failed")
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `refit_payouts_total{outcome="failed"} 1`) {
		t.Fatalf("payout counter missing from exposition:\n%s", body)
	}
}

func TestWatchStreamReadsLiveValues(t *testing.T) {
	reg := NewRegistry()
	subs, dropped := 2, int64(0)
	reg.WatchStream(func() int { return subs }, func() int64 { return dropped })
	dropped = 5

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"refit_stream_subscribers 2", "refit_stream_dropped_total 5"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}
