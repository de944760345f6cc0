package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_http_requests_total",
			Help: "Total number of HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckfilter_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)
	httpInflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckfilter_http_inflight_requests",
			Help: "HTTP requests currently being served.",
		},
	)
	httpRequestBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_http_request_bytes_total",
			Help: "Request body bytes received by route.",
		},
		[]string{"path"},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_auth_failures_total",
			Help: "Rejected requests by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpInflightRequests,
		httpRequestBytesTotal,
		authFailuresTotal,
	)
}

// IncrementAuthFailure counts a rejected request. reason is one of
// missing_key, invalid_key, missing_role and task_scope.
func IncrementAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}
