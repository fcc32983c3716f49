package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics counts expectation runs. A nil *Metrics is a no-op.
type Metrics struct {
	expectations *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	leaks        prometheus.Counter
	sinkFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		expectations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs_tester",
			Name:      "expectations_total",
			Help:      "Expectation runs by expected kind, observed outcome and verdict.",
		}, []string{"kind", "outcome", "passed"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cs_tester",
			Name:      "handler_duration_seconds",
			Help:      "Time from handler invocation to settlement.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 3, 10, 30},
		}, []string{"outcome"}),
		leaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cs_tester",
			Name:      "leaked_handles_total",
			Help:      "Asynchronous handles still pending after settlement.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs_tester",
			Name:      "sink_failures_total",
			Help:      "Reports a sink failed to store or publish.",
		}, []string{"sink"}),
	}
	if reg != nil {
		reg.MustRegister(m.expectations, m.duration, m.leaks, m.sinkFailures)
	}
	return m
}

func (m *Metrics) ObserveExpectation(kind, outcome string, passed bool, elapsed time.Duration, leaked int) {
	if m == nil {
		return
	}
	m.expectations.WithLabelValues(kind, outcome, strconv.FormatBool(passed)).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if leaked > 0 {
		m.leaks.Add(float64(leaked))
	}
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}
