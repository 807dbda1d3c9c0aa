// Package metrics exposes host coordinator observability through a dedicated
// prometheus registry, scrapable at /metrics when the operator enables the
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for one host process. The recording
// methods are safe on a nil receiver so the coordinator can run unmetered in
// tests; Handler and Serve need a non-nil Metrics.
type Metrics struct {
	registry *prometheus.Registry

	participants prometheus.Gauge

	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsAborted   *prometheus.CounterVec

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	resultsReceived  prometheus.Counter
}

// New builds a Metrics with its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of currently registered participants",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs dispatched to participants",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached aggregation successfully",
		}),
		jobsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_aborted_total",
			Help:      "Jobs aborted before aggregation",
		}, []string{"reason"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Wire messages sent to participants",
		}, []string{"type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Wire messages received from participants",
		}, []string{"type"}),
		resultsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_received_total",
			Help:      "Result tables received from participants",
		}),
	}
	registry.MustRegister(
		m.participants,
		m.jobsStarted, m.jobsCompleted, m.jobsAborted,
		m.messagesSent, m.messagesReceived, m.resultsReceived,
	)
	return m
}

func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
}

func (m *Metrics) JobCompleted() {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
}

func (m *Metrics) JobAborted(reason string) {
	if m == nil {
		return
	}
	m.jobsAborted.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ResultReceived() {
	if m == nil {
		return
	}
	m.resultsReceived.Inc()
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint on addr. Errors after startup only shut
// the endpoint down, never the host.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
