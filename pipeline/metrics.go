package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for pipeline execution. All metrics are
// namespaced "pipeline_". A nil *Metrics is a valid no-op receiver so callers
// can leave metrics unconfigured.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobsTotal    *prometheus.CounterVec
	asyncActive  prometheus.Gauge
}

// NewMetrics registers the pipeline metrics with the given registry.
// Pass prometheus.DefaultRegisterer for the global registry, or a private
// prometheus.NewRegistry() for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration by step name and outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "step_retries_total",
			Help:      "Retry attempts by step name.",
		}, []string{"step"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "step_failures_total",
			Help:      "Terminal step failures by step name and disposition.",
		}, []string{"step", "disposition"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "jobs_active",
			Help:      "Jobs currently executing.",
		}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "jobs_total",
			Help:      "Finished jobs by outcome.",
		}, []string{"outcome"}),
		asyncActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "async_steps_active",
			Help:      "Async subflows currently in flight.",
		}),
	}
}

func (m *Metrics) observeStep(step, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(seconds)
}

func (m *Metrics) countRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) countFailure(step, disposition string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step, disposition).Inc()
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

func (m *Metrics) jobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
	m.jobsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) asyncFired() {
	if m == nil {
		return
	}
	m.asyncActive.Inc()
}

func (m *Metrics) asyncSettled() {
	if m == nil {
		return
	}
	m.asyncActive.Dec()
}
