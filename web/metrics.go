package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	ac "github.com/panyam/authcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts login outcomes and HTTP traffic. A nil *Metrics records nothing.
type Metrics struct {
	logins      *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited prometheus.Counter
	gatherer    prometheus.Gatherer
}

// NewMetrics registers the collectors on reg and serves them from reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_logins_total",
			Help: "Login attempts by method and outcome",
		}, []string{"method", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "method", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authcore_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_rate_limited_total",
			Help: "Requests turned away by the login rate limiter",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.logins, m.requests, m.latency, m.rateLimited)
	return m
}

// RecordLogin counts a login attempt. The outcome is "success" or the failure reason.
func (m *Metrics) RecordLogin(method ac.LoginMethod, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(ac.ReasonOf(err))
	}
	m.logins.WithLabelValues(string(method), outcome).Inc()
}

func (m *Metrics) RecordRateLimited(*http.Request) {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler serves the Prometheus scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware records every routed request under its route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
