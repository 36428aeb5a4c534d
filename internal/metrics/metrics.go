// Package metrics provides Prometheus collectors for the repository service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Workflow metrics
	WorkflowInvocationsTotal    *prometheus.CounterVec
	WorkflowInvocationDuration  *prometheus.HistogramVec
	WorkflowInvocationsInFlight prometheus.Gauge
	ScheduledRequestsTotal      *prometheus.CounterVec

	// Schema metrics
	NodeTypeRegistrationsTotal *prometheus.CounterVec
	MigratedInstancesTotal     *prometheus.CounterVec
	InitializeItemsTotal       *prometheus.CounterVec
	InitializeSweepsTotal      prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec

	StartTime time.Time
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{registry: registry, StartTime: time.Now()}

	m.WorkflowInvocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_workflow_invocations_total",
			Help: "Total number of workflow operation invocations",
		},
		[]string{"category", "operation", "outcome"},
	)

	m.WorkflowInvocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hippo_workflow_invocation_duration_seconds",
			Help:    "Duration of workflow operation invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.WorkflowInvocationsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "hippo_workflow_invocations_in_flight",
			Help: "Number of workflow operations currently executing",
		},
	)

	m.ScheduledRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_workflow_scheduled_requests_total",
			Help: "Total number of scheduled requests executed by the scheduler",
		},
		[]string{"outcome"},
	)

	m.NodeTypeRegistrationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_nodetype_registrations_total",
			Help: "Total number of node type registrations by result",
		},
		[]string{"result"},
	)

	m.MigratedInstancesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_migration_instances_total",
			Help: "Total number of content instances processed by type migration",
		},
		[]string{"outcome"},
	)

	m.InitializeItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_initialize_items_total",
			Help: "Total number of initialize items processed by final status",
		},
		[]string{"status"},
	)

	m.InitializeSweepsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "hippo_initialize_sweeps_total",
			Help: "Total number of initialize queue sweeps executed",
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hippo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordWorkflow records one workflow invocation.
func (m *Metrics) RecordWorkflow(category, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowInvocationsTotal.WithLabelValues(category, operation, outcome).Inc()
	m.WorkflowInvocationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TrackInFlight increments the in-flight gauge until the returned func runs.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.WorkflowInvocationsInFlight.Inc()
	return m.WorkflowInvocationsInFlight.Dec
}

// RecordScheduled records one scheduler execution.
func (m *Metrics) RecordScheduled(outcome string) {
	if m == nil {
		return
	}
	m.ScheduledRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRegistration records registered, redefined and unchanged type counts.
func (m *Metrics) RecordRegistration(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.NodeTypeRegistrationsTotal.WithLabelValues(result).Add(float64(count))
}

// RecordMigration records migrated or failed instances.
func (m *Metrics) RecordMigration(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.MigratedInstancesTotal.WithLabelValues(outcome).Add(float64(count))
}

// RecordInitializeItem records an initialize item reaching a final status.
func (m *Metrics) RecordInitializeItem(status string) {
	if m == nil {
		return
	}
	m.InitializeItemsTotal.WithLabelValues(status).Inc()
}

// RecordSweep records one initialize queue sweep.
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.InitializeSweepsTotal.Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
