// Package metrics defines Prometheus metrics for the conductor service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "flowmesh"
	subsystem = "conductor"
)

var (
	// GraphsSubmitted counts accepted task graphs.
	GraphsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "graphs_submitted_total",
		Help:      "Total number of task graphs accepted for execution",
	})

	// GraphsCompleted counts graphs reaching a terminal status, by status.
	GraphsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "graphs_completed_total",
		Help:      "Total number of task graphs reaching a terminal status",
	}, []string{"status"})

	// GraphDuration observes end-to-end graph execution time.
	GraphDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "graph_duration_seconds",
		Help:      "End-to-end task graph execution duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// AgentExecutions counts agent attempts by capability type and outcome.
	AgentExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "agent_executions_total",
		Help:      "Total agent execution attempts by capability type and outcome",
	}, []string{"agent_type", "outcome"})

	// AgentDuration observes per-attempt capability execution time.
	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "agent_duration_seconds",
		Help:      "Capability execution duration per attempt",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"agent_type"})

	// AgentRetries counts retry attempts by capability type.
	AgentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "agent_retries_total",
		Help:      "Total agent retries by capability type",
	}, []string{"agent_type"})

	// RunningAgents tracks currently executing capability invocations.
	RunningAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "running_agents",
		Help:      "Number of capability invocations currently executing",
	})

	// EventsPublished counts bus events by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_published_total",
		Help:      "Total lifecycle events published, by kind",
	}, []string{"kind"})

	// PatternsDetected counts miner detections by signature.
	PatternsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "patterns_detected_total",
		Help:      "Total failure patterns crossing the detection threshold",
	}, []string{"signature"})

	// ProposalsTotal counts proposal lifecycle transitions by resulting status.
	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "proposals_total",
		Help:      "Total improvement proposal transitions, by resulting status",
	}, []string{"status"})

	// HTTPRequests counts API requests by method, route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "code"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// SSEConnections tracks open event stream connections.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sse_connections",
		Help:      "Number of open SSE event stream connections",
	})
)
