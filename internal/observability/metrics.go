package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn throughput and latency through the pipeline
//   - LLM request performance and token usage
//   - Tool execution patterns and latencies
//   - Router decisions and their confidence
//   - Memory gateway degradations
//   - Error rates categorized by kind and component
//   - Active session counts for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TurnStarted()
//	defer metrics.TurnCompleted("analytical", "end", time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter tracks turns by agent and terminal event (end|error|cancelled).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: agent
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RouterDecisionCounter counts router decisions by agent and override source.
	RouterDecisionCounter *prometheus.CounterVec

	// RouterConfidence observes the confidence of non-override router decisions.
	RouterConfidence *prometheus.HistogramVec

	// MemoryDegraded counts MemoryGateway calls that degraded (timeout/error).
	// Labels: operation (add|query), reason
	MemoryDegraded *prometheus.CounterVec

	// ErrorCounter tracks errors by component and ErrorKind.
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current sessions holding the writer lock.
	ActiveSessions prometheus.Gauge

	// SessionStatusGauge tracks session counts by lifecycle status.
	SessionStatusGauge *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts store queries.
	// Labels: operation, table, status
	DatabaseQueryCounter *prometheus.CounterVec

	// SSEConnections is a gauge tracking open SSE streams.
	SSEConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup; all metrics register with
// Prometheus's default registry and are served at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_turns_total",
				Help: "Total number of turns by agent and terminal event",
			},
			[]string{"agent", "terminal"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_turn_duration_seconds",
				Help:    "End-to-end duration of a turn in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RouterDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_router_decisions_total",
				Help: "Total number of router decisions by chosen agent and override source",
			},
			[]string{"agent", "override_source"},
		),

		RouterConfidence: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_router_confidence",
				Help:    "Router decision confidence for classifier-driven decisions",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"agent"},
		),

		MemoryDegraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_memory_degraded_total",
				Help: "Total number of MemoryGateway calls that degraded",
			},
			[]string{"operation", "reason"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "kind"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_session_locks",
				Help: "Current number of sessions holding an exclusive-writer lock",
			},
		),

		SessionStatusGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_sessions_by_status",
				Help: "Current number of sessions by lifecycle status",
			},
			[]string{"status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_store_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_store_queries_total",
				Help: "Total number of store queries",
			},
			[]string{"operation", "table", "status"},
		),

		SSEConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_sse_connections",
				Help: "Current number of open SSE streams",
			},
		),
	}
}

// TurnStarted marks the beginning of a turn; pair with TurnCompleted. The
// routed agent isn't known yet at this point, so the per-agent labels live
// on TurnCompleted's counter and histogram instead.
func (m *Metrics) TurnStarted() {
	m.ActiveSessions.Inc()
}

// TurnCompleted records the terminal outcome and duration of a turn.
//
// Example:
//
//	metrics.TurnCompleted("analytical", "end", time.Since(start).Seconds())
func (m *Metrics) TurnCompleted(agent, terminal string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.TurnCounter.WithLabelValues(agent, terminal).Inc()
	m.TurnDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRouterDecision records a router decision and, for non-override
// decisions, its classifier confidence.
func (m *Metrics) RecordRouterDecision(agent, overrideSource string, confidence float64) {
	m.RouterDecisionCounter.WithLabelValues(agent, overrideSource).Inc()
	if overrideSource == "router" {
		m.RouterConfidence.WithLabelValues(agent).Observe(confidence)
	}
}

// RecordMemoryDegraded records a MemoryGateway call that degraded.
func (m *Metrics) RecordMemoryDegraded(operation, reason string) {
	m.MemoryDegraded.WithLabelValues(operation, reason).Inc()
}

// RecordError increments the error counter for a given component and ErrorKind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

// SetSessionStatusCount sets the current count of sessions in a given status.
func (m *Metrics) SetSessionStatusCount(status string, count int) {
	m.SessionStatusGauge.WithLabelValues(status).Set(float64(count))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordStoreQuery records metrics for a store query.
func (m *Metrics) RecordStoreQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// SSEConnected increments the open SSE connection gauge.
func (m *Metrics) SSEConnected() {
	m.SSEConnections.Inc()
}

// SSEDisconnected decrements the open SSE connection gauge.
func (m *Metrics) SSEDisconnected() {
	m.SSEConnections.Dec()
}
