package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for turn execution.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: outcome (done|error|canceled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ProviderCallCounter counts provider stream opens.
	// Labels: phase (invoke|continue), status (success|error)
	ProviderCallCounter *prometheus.CounterVec

	// ProviderRetryCounter counts retried provider calls.
	// Labels: phase
	ProviderRetryCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool calls.
	// Labels: namespace (mcp|admin|unknown), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	// Labels: namespace
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compacted tool results.
	// Labels: format (json|text|csv), truncated (true|false)
	CompactionCounter *prometheus.CounterVec

	// CompactionBytesSaved sums bytes removed by compaction.
	CompactionBytesSaved prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondai_turns_total",
				Help: "Total number of turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bondai_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		ProviderCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondai_provider_calls_total",
				Help: "Total number of provider calls by phase and status",
			},
			[]string{"phase", "status"},
		),

		ProviderRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondai_provider_retries_total",
				Help: "Total number of retried provider calls by phase",
			},
			[]string{"phase"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondai_tool_executions_total",
				Help: "Total number of tool executions by namespace and status",
			},
			[]string{"namespace", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bondai_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"namespace"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondai_compactions_total",
				Help: "Total number of compacted tool results by format",
			},
			[]string{"format", "truncated"},
		),

		CompactionBytesSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondai_compaction_bytes_saved_total",
				Help: "Bytes removed from tool results by compaction",
			},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordProviderCall records one provider stream open after retries.
func (m *Metrics) RecordProviderCall(phase, status string) {
	if m == nil {
		return
	}
	m.ProviderCallCounter.WithLabelValues(phase, status).Inc()
}

// RecordProviderRetry records a retry of a provider call.
func (m *Metrics) RecordProviderRetry(phase string) {
	if m == nil {
		return
	}
	m.ProviderRetryCounter.WithLabelValues(phase).Inc()
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(namespace, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(namespace, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(namespace).Observe(durationSeconds)
}

// RecordCompaction records one compacted result.
func (m *Metrics) RecordCompaction(format string, truncated bool, originalBytes, finalBytes int) {
	if m == nil {
		return
	}
	t := "false"
	if truncated {
		t = "true"
	}
	m.CompactionCounter.WithLabelValues(format, t).Inc()
	if saved := originalBytes - finalBytes; saved > 0 {
		m.CompactionBytesSaved.Add(float64(saved))
	}
}
