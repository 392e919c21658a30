// Package observability provides logging, metrics and tracing for turn
// execution.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (API keys,
// bearer tokens, AWS access key ids, DSN passwords) from messages and
// attribute values, and adds thread_id, agent_id and turn_id from the
// context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.WithThreadID(ctx, threadID)
//	logger.InfoContext(ctx, "turn started")
//
// # Metrics
//
// NewMetrics registers Prometheus collectors for turns, provider calls and
// retries, tool executions and compaction. Pass a fresh registry in tests:
//
//	m := observability.NewMetrics(prometheus.NewRegistry())
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured.
// Span names are turn, provider.invoke, provider.continue and tool.execute.
package observability
