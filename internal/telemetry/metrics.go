package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the step and transition collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	Registry     *prometheus.Registry
	stepRuns     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_step_runs_total",
			Help: "Step invocations by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provisioner_step_duration_seconds",
			Help:    "Wall time of step invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_state_transitions_total",
			Help: "Committed project state transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(
		m.stepRuns, m.stepDuration, m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStep(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepRuns.WithLabelValues(jobType, outcome).Inc()
	m.stepDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
