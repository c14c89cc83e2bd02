package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors of the research engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	ReasonerCalls    *prometheus.CounterVec
	ReasonerRetries  *prometheus.CounterVec
	ReasonerLatency  *prometheus.HistogramVec
	StateTransitions *prometheus.CounterVec
	ToolInvocations  *prometheus.CounterVec
	FanoutItems      *prometheus.CounterVec
	ArtifactEvents   *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ObserverDrops    prometheus.Counter
}

// NewMetrics constructs a dedicated registry with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_reasoner_calls_total",
		Help: "Reasoner gateway calls by role, provider and outcome",
	}, []string{"role", "provider", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_reasoner_retries_total",
		Help: "Reasoner retries by role and error type",
	}, []string{"role", "error_type"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "researcher_reasoner_latency_seconds",
		Help:    "Latency of single reasoner attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"role", "provider"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_state_transitions_total",
		Help: "Orchestrator state completions by state and status",
	}, []string{"state", "status"})

	tools := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_tool_invocations_total",
		Help: "Tool invocations by tool and status",
	}, []string{"tool", "status"})

	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_fanout_items_total",
		Help: "Fan-out items by tool and status",
	}, []string{"tool", "status"})

	artifacts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_artifact_events_total",
		Help: "Artifact store events (put, hit, miss, evict_lru, evict_ttl)",
	}, []string{"event"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "researcher_runs_total",
		Help: "Runs by terminal or suspended status",
	}, []string{"status"})

	runDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "researcher_run_duration_seconds",
		Help:    "Wall time of a run segment until DONE or AWAIT_HUMAN",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	drops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "researcher_observer_dropped_total",
		Help: "Step records dropped because an observer was saturated",
	})

	reg.MustRegister(calls, retries, latency, transitions, tools, items, artifacts, runs, runDur, drops)

	return &Metrics{
		registry:         reg,
		ReasonerCalls:    calls,
		ReasonerRetries:  retries,
		ReasonerLatency:  latency,
		StateTransitions: transitions,
		ToolInvocations:  tools,
		FanoutItems:      items,
		ArtifactEvents:   artifacts,
		Runs:             runs,
		RunDuration:      runDur,
		ObserverDrops:    drops,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordReasonerAttempt records one provider attempt.
func (m *Metrics) RecordReasonerAttempt(role, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReasonerLatency.WithLabelValues(orUnknown(role), orUnknown(provider)).Observe(d.Seconds())
}

// RecordReasonerCall records the final outcome of a gateway call.
func (m *Metrics) RecordReasonerCall(role, provider, outcome string) {
	if m == nil {
		return
	}
	m.ReasonerCalls.WithLabelValues(orUnknown(role), orUnknown(provider), orUnknown(outcome)).Inc()
}

// RecordReasonerRetry counts a retry caused by errorType.
func (m *Metrics) RecordReasonerRetry(role, errorType string) {
	if m == nil {
		return
	}
	m.ReasonerRetries.WithLabelValues(orUnknown(role), orUnknown(errorType)).Inc()
}

// RecordState counts a completed orchestrator state.
func (m *Metrics) RecordState(state, status string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(orUnknown(state), orUnknown(status)).Inc()
}

// RecordTool counts a single tool invocation.
func (m *Metrics) RecordTool(tool, status string) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(orUnknown(tool), orUnknown(status)).Inc()
}

// RecordFanoutItem counts one settled fan-out unit.
func (m *Metrics) RecordFanoutItem(tool, status string) {
	if m == nil {
		return
	}
	m.FanoutItems.WithLabelValues(orUnknown(tool), orUnknown(status)).Inc()
}

// RecordArtifactEvent counts an artifact store event.
func (m *Metrics) RecordArtifactEvent(event string) {
	if m == nil {
		return
	}
	m.ArtifactEvents.WithLabelValues(orUnknown(event)).Inc()
}

// RecordRun records a run segment ending in status.
func (m *Metrics) RecordRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(orUnknown(status)).Inc()
	m.RunDuration.WithLabelValues(orUnknown(status)).Observe(d.Seconds())
}

// RecordObserverDrop counts a dropped step record.
func (m *Metrics) RecordObserverDrop() {
	if m == nil {
		return
	}
	m.ObserverDrops.Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
