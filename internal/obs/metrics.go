package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantgate_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantgate_registrations_total",
			Help: "Tenant registrations by result.",
		},
		[]string{"result"},
	)

	tokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantgate_token_validations_total",
			Help: "Bearer token validations by result.",
		},
		[]string{"result"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by identity kind.",
		},
		[]string{"identity"},
	)

	rateLimiterErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantgate_rate_limiter_errors_total",
		Help: "Rate limiter backend failures.",
	})

	denylistEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantgate_denylist_evictions_total",
		Help: "Revoked token ids dropped from the in-process deny-list before they expired.",
	})

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, registrationsTotal, tokenValidationsTotal,
			rateLimitedTotal, rateLimiterErrorsTotal, denylistEvictionsTotal,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt; result is "success", "failure" or "error".
func ObserveLogin(result string) { loginsTotal.WithLabelValues(result).Inc() }

// ObserveRegistration counts a tenant registration attempt.
func ObserveRegistration(result string) { registrationsTotal.WithLabelValues(result).Inc() }

// ObserveTokenValidation counts a bearer token check.
func ObserveTokenValidation(result string) { tokenValidationsTotal.WithLabelValues(result).Inc() }

// ObserveRateLimited counts a rejected request; identity is "user" or "ip".
func ObserveRateLimited(identity string) { rateLimitedTotal.WithLabelValues(identity).Inc() }

// ObserveRateLimiterError counts a limiter backend failure.
func ObserveRateLimiterError() { rateLimiterErrorsTotal.Inc() }

// ObserveDenylistEviction counts a revoked id lost to deny-list capacity.
func ObserveDenylistEviction() { denylistEvictionsTotal.Inc() }

// RouteLabel returns the matched route template so that ids do not explode
// label cardinality. Unmatched requests share one label.
func RouteLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Instrument records RPS, latency and in-flight requests. It must run inside
// the router so the matched route is known.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RouteLabel(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
