package executor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/enginemaster/enginemaster/internal/common/metrics"
)

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomePanic    = "panic"
	outcomeShutdown = "shutdown"
)

type executorMetrics struct {
	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	inFlight    prometheus.Gauge
	passthrough *prometheus.CounterVec
}

func newExecutorMetrics(registerer prometheus.Registerer) *executorMetrics {
	m := &executorMetrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.MetricPrefix + "executor_submissions_total",
				Help: "Submissions completed by the executor, by engine type and outcome",
			},
			[]string{"engineType", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metrics.MetricPrefix + "executor_submission_duration_seconds",
				Help:    "Time spent by a worker on one submission",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"engineType"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metrics.MetricPrefix + "executor_queue_depth",
			Help: "Submissions accepted but not yet picked up by a worker",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metrics.MetricPrefix + "executor_in_flight",
			Help: "Submissions currently being processed by a worker",
		}),
		passthrough: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.MetricPrefix + "executor_passthrough_failures_total",
				Help: "Status, cancel, log and resource calls that degraded because of an error",
			},
			[]string{"engineType", "operation"},
		),
	}
	if registerer != nil {
		m.submissions = register(registerer, m.submissions)
		m.duration = register(registerer, m.duration)
		m.queueDepth = register(registerer, m.queueDepth)
		m.inFlight = register(registerer, m.inFlight)
		m.passthrough = register(registerer, m.passthrough)
	}
	return m
}

// register returns the collector already registered under the same descriptor, if any, so that every
// executor sharing a registry reports to the exported series.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}
