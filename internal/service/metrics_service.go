package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService owns the Prometheus registry and the domain counters.
type MetricsService struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	submissions    *prometheus.CounterVec
	tokenRotations prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	corrections    *prometheus.CounterVec
	cacheOps       *prometheus.CounterVec
}

// NewMetricsService registers all collectors on a fresh registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()
	s := &MetricsService{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollcall_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_submissions_total",
			Help: "Sign-in attempts by verification result.",
		}, []string{"result"}),
		tokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_token_rotations_total",
			Help: "Session token rotations.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_sessions_closed_total",
			Help: "Session closes by trigger.",
		}, []string{"trigger"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_correction_decisions_total",
			Help: "Correction workflow decisions by resulting state.",
		}, []string{"transition"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_directory_cache_ops_total",
			Help: "Directory cache operations by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		s.httpRequests, s.httpDuration,
		s.submissions, s.tokenRotations, s.sessionsClosed, s.corrections, s.cacheOps,
	)
	return s
}

// Handler exposes the scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	s.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	s.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveSubmission records a sign-in attempt outcome.
func (s *MetricsService) ObserveSubmission(result string) {
	s.submissions.WithLabelValues(result).Inc()
}

// ObserveTokenRotation records one token rotation.
func (s *MetricsService) ObserveTokenRotation() {
	s.tokenRotations.Inc()
}

// ObserveSessionClosed records one session close by trigger.
func (s *MetricsService) ObserveSessionClosed(trigger string) {
	s.sessionsClosed.WithLabelValues(trigger).Inc()
}

// ObserveCorrectionDecision records one workflow decision.
func (s *MetricsService) ObserveCorrectionDecision(transition string) {
	s.corrections.WithLabelValues(transition).Inc()
}

// ObserveCacheOp records a directory cache hit, miss or error.
func (s *MetricsService) ObserveCacheOp(outcome string) {
	s.cacheOps.WithLabelValues(outcome).Inc()
}
