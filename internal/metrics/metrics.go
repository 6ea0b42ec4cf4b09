// Package metrics exposes prometheus counters for pipeline runs, backend
// attempts and session events. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "facturabot"

type Metrics struct {
	registry        *prometheus.Registry
	pipelineRuns    *prometheus.CounterVec
	pipelineSteps   *prometheus.HistogramVec
	backendAttempts *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_runs_total",
			Help:      "Invoice pipeline runs by outcome.",
		}, []string{"outcome"}),
		pipelineSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoice_step_seconds",
			Help:      "Duration of invoice pipeline steps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"state"}),
		backendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_attempts_total",
			Help:      "Transcription backend attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pipelineRuns,
		m.pipelineSteps,
		m.backendAttempts,
		m.sessionEvents,
	)
	return m
}

func (m *Metrics) PipelineRun(outcome string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PipelineStep(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineSteps.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) BackendAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
