// Package metrics holds the Prometheus collectors for the generation pipeline,
// content fetching, quota gate and run lifecycle.
//
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testgen"

// Metrics groups the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	generations     *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	quotaRejections prometheus.Counter
	runTransitions  *prometheus.CounterVec
	modelLatency    *prometheus.HistogramVec
}

// New creates and registers all collectors, including Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation requests by outcome.",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doc_fetches_total",
			Help:      "Documentation fetches by outcome.",
		}, []string{"outcome"}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Generation requests rejected by the daily quota.",
		}),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Test report status transitions by target status.",
		}, []string{"status"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model gateway call latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"model", "outcome"}),
	}

	m.registry.MustRegister(
		m.generations,
		m.fetches,
		m.quotaRejections,
		m.runTransitions,
		m.modelLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Generation records the outcome of one generation request.
func (m *Metrics) Generation(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}

// Fetch records the outcome of one documentation fetch.
func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

// QuotaRejected counts a quota rejection.
func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// RunTransition counts a report entering status.
func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

// ModelCall observes one model gateway call.
func (m *Metrics) ModelCall(model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(model, outcome).Observe(d.Seconds())
}
