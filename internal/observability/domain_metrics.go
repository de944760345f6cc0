package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	filterInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_invocations_total",
			Help: "Total number of filter invocations by task and outcome.",
		},
		[]string{"task", "outcome"},
	)
	filterInputRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_input_rows_total",
			Help: "Total number of input rows bound to filter invocations.",
		},
		[]string{"task"},
	)
	filterOutputRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_output_rows_total",
			Help: "Total number of rows produced by filter invocations.",
		},
		[]string{"task"},
	)
	filterInvocationDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckfilter_invocation_duration_ms",
			Help:    "Filter invocation latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"task"},
	)
	filterFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckfilter_failures_total",
			Help: "Total number of filter failures by kind.",
		},
		[]string{"task", "kind"},
	)
	filterOpenSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckfilter_open_sessions",
			Help: "Current number of open engine sessions.",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(
		filterInvocationsTotal,
		filterInputRowsTotal,
		filterOutputRowsTotal,
		filterInvocationDurationMs,
		filterFailuresTotal,
		filterOpenSessions,
	)
}

func ObserveInvocation(task string, inputRows, outputRows int64, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	filterInvocationsTotal.WithLabelValues(task, outcome).Inc()
	if inputRows > 0 {
		filterInputRowsTotal.WithLabelValues(task).Add(float64(inputRows))
	}
	if outputRows > 0 {
		filterOutputRowsTotal.WithLabelValues(task).Add(float64(outputRows))
	}
	filterInvocationDurationMs.WithLabelValues(task).Observe(float64(elapsed.Milliseconds()))
}

func IncrementFailure(task, kind string) {
	filterFailuresTotal.WithLabelValues(task, kind).Inc()
}

func AddOpenSessions(task string, delta int) {
	filterOpenSessions.WithLabelValues(task).Add(float64(delta))
}
