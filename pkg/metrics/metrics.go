// Package metrics exposes settlement counters on a private prometheus
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refit"

type Registry struct {
	reg          *prometheus.Registry
	requests     *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	lockouts     *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	deposits     *prometheus.CounterVec
	payouts      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route class.",
		}, []string{"class"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Actors locked out after repeated failures, by surface.",
		}, []string{"surface"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication attempts, by surface.",
		}, []string{"surface"}),
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_verifications_total",
			Help:      "Deposit verifications by outcome (verified or failure reason).",
		}, []string{"outcome"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order history entries by source and target status.",
		}, []string{"from", "to"}),
	}
	r.reg.MustRegister(r.requests, r.durations, r.rateLimited, r.lockouts, r.authFailures, r.deposits, r.payouts, r.transitions)
	r.reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return r
}

// Observe records one request. route should be a pattern, never a raw path.
func (r *Registry) Observe(route, method string, status int, d time.Duration) {
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.durations.WithLabelValues(route, method).Observe(d.Seconds())
}

func (r *Registry) RateLimited(class string)   { r.rateLimited.WithLabelValues(class).Inc() }
func (r *Registry) Locked(surface string)      { r.lockouts.WithLabelValues(surface).Inc() }
func (r *Registry) AuthFailed(surface string)  { r.authFailures.WithLabelValues(surface).Inc() }
func (r *Registry) Deposit(outcome string)     { r.deposits.WithLabelValues(outcome).Inc() }
func (r *Registry) Payout(outcome string)      { r.payouts.WithLabelValues(outcome).Inc() }
func (r *Registry) Transition(from, to string) { r.transitions.WithLabelValues(from, to).Inc() }

// WatchStream exports the admin event stream's subscriber count and the
// deliveries dropped for slow subscribers. Call it once per registry.
func (r *Registry) WatchStream(subscribers func() int, dropped func() int64) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Connected admin stream subscribers.",
		}, func() float64 { return float64(subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_total",
			Help:      "Stream events skipped because a subscriber's buffer was full.",
		}, func() float64 { return float64(dropped()) }),
	)
}

// Middleware records every request under its chi route pattern so ids in
// paths do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		r.Observe(route, req.Method, rec.status, time.Since(start))
	})
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
