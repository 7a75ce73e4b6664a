package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginsTotal         *prometheus.CounterVec
	TokensIssuedTotal   *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	SocialVerifications *prometheus.CounterVec
	OtpValidationsTotal *prometheus.CounterVec
	PermissionCacheHits prometheus.Counter
	PermissionCacheMiss prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyward_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_logins_total",
				Help: "Completed logins by method.",
			},
			[]string{"method"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_tokens_issued_total",
				Help: "Signed tokens by kind.",
			},
			[]string{"kind"},
		),
		DispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_auth_dispatch_failures_total",
				Help: "Requests rejected by the authentication guard, by first declared requirement.",
			},
			[]string{"requirement"},
		),
		SocialVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_social_verifications_total",
				Help: "Social token verifications by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		OtpValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_otp_validations_total",
				Help: "OTP validations by outcome.",
			},
			[]string{"outcome"},
		),
		PermissionCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyward_permission_universe_cache_hits_total",
			Help: "Permission universe lookups served from cache.",
		}),
		PermissionCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyward_permission_universe_cache_misses_total",
			Help: "Permission universe lookups that queried the store.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.TokensIssuedTotal,
		m.DispatchFailures,
		m.SocialVerifications,
		m.OtpValidationsTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMiss,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Instrument records request count and latency labelled by the chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
