// Package metrics holds the Prometheus collectors of one agent. Each agent owns
// its own registry so several agents can live in one process.
package metrics

import (
	"net/http"

	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Intake outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	intakeMessages *prometheus.CounterVec
	taskResults    *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	queueDepth     prometheus.Gauge
	activeWorkers  prometheus.Gauge
	advertisements *prometheus.CounterVec
}

// New registers the agent collectors plus the Go runtime and process
// collectors on a fresh registry.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intakeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_intake_messages_total",
			Help:        "Inbound task-topic messages by intake outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_task_results_total",
			Help:        "Tasks that reached a terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "mesh_task_duration_seconds",
			Help:        "Wall-clock execution time of finished tasks.",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_queue_depth",
			Help:        "Tasks waiting in the admission queue.",
			ConstLabels: labels,
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mesh_active_workers",
			Help:        "Workers currently running a child process.",
			ConstLabels: labels,
		}),
		advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_advertisements_total",
			Help:        "Resource advertisements by publish result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.intakeMessages,
		m.taskResults,
		m.taskDuration,
		m.queueDepth,
		m.activeWorkers,
		m.advertisements,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IntakeMessage(outcome string) {
	if m == nil {
		return
	}
	m.intakeMessages.WithLabelValues(outcome).Inc()
}

// TaskFinished counts a terminal result and observes its duration when it ran.
func (m *Metrics) TaskFinished(r models.TaskResult) {
	if m == nil || !r.Status.IsTerminal() {
		return
	}
	m.taskResults.WithLabelValues(string(r.Status)).Inc()
	if d := r.Duration(); d > 0 {
		m.taskDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

func (m *Metrics) Advertisement(published bool) {
	if m == nil {
		return
	}
	result := "published"
	if !published {
		result = "failed"
	}
	m.advertisements.WithLabelValues(result).Inc()
}
