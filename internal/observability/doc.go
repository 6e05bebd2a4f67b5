// Package observability provides monitoring and debugging capabilities for the
// orchestrator through metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: minimal performance impact under concurrent turns
//   - Type-safe: strongly-typed APIs reduce configuration errors
//   - Standards-based: uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Turn throughput and latency through the pipeline
//   - Router decisions and classifier confidence
//   - LLM API request latency and token usage
//   - Tool execution performance
//   - MemoryGateway degradations
//   - Error rates by component and kind
//   - Sessions holding the exclusive-writer lock
//   - HTTP request/response metrics
//   - Store query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	metrics.TurnStarted()
//	defer metrics.TurnCompleted("analytical", "end", time.Since(start).Seconds())
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddAgent(ctx, "analytical")
//
//	logger.Info(ctx, "turn started",
//	    "agent", "analytical",
//	    "user_id", userID,
//	    "message_length", len(content),
//	)
//
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a turn across the router,
// agent FSM, tool calls, and LLM requests:
//   - End-to-end turn visualization
//   - Performance bottleneck identification
//   - Error correlation across components
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "orchestrator",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "console",
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, sessionID, "analytical")
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddUserID(ctx, "user-789")
//	ctx = observability.AddAgent(ctx, "analytical")
//
//	logger.Info(ctx, "turn started") // Includes request_id, session_id, agent
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Integration Example
//
// Complete example integrating all three components for a single turn:
//
//	func RunTurn(ctx context.Context, sess *Session, msg string) error {
//	    ctx = observability.AddRequestID(ctx, generateID())
//	    ctx = observability.AddSessionID(ctx, sess.ID)
//	    ctx = observability.AddAgent(ctx, sess.ActiveAgent)
//
//	    ctx, span := tracer.TraceTurn(ctx, sess.ID, sess.ActiveAgent)
//	    defer span.End()
//
//	    start := time.Now()
//	    metrics.TurnStarted()
//	    defer func() { metrics.TurnCompleted(sess.ActiveAgent, "end", time.Since(start).Seconds()) }()
//
//	    logger.Info(ctx, "turn started", "content_length", len(msg))
//
//	    llmStart := time.Now()
//	    ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	    defer llmSpan.End()
//
//	    response, err := provider.Complete(ctx, msg)
//	    llmDuration := time.Since(llmStart).Seconds()
//
//	    if err != nil {
//	        metrics.RecordError("pipeline", "upstream")
//	        tracer.RecordError(llmSpan, err)
//	        logger.Error(ctx, "LLM request failed", "error", err)
//	        metrics.RecordLLMRequest("anthropic", "claude-3-opus", "error", llmDuration, 0, 0)
//	        return err
//	    }
//
//	    metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	        llmDuration, response.PromptTokens, response.CompletionTokens)
//	    logger.Info(ctx, "turn completed",
//	        "duration_ms", llmDuration*1000,
//	        "tokens", response.CompletionTokens)
//
//	    return nil
//	}
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, AWS, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Performance
//
// The observability system is designed for minimal overhead:
//   - Metrics use lock-free counters where possible
//   - Logging with slog is highly efficient
//   - Tracing supports sampling to reduce overhead
//   - Context propagation is zero-allocation in most cases
//
// # Configuration
//
// All components support configuration via structs:
//
//	metrics := observability.NewMetrics()
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:          os.Getenv("LOG_LEVEL"),
//	    Format:         "json",
//	    AddSource:      true,
//	    RedactPatterns: []string{`custom-secret-\d+`},
//	})
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "orchestrator",
//	    ServiceVersion: version,
//	    Environment:    env,
//	    Endpoint:       os.Getenv("OTEL_TRACE_EXPORTER"),
//	    SamplingRate:   0.1,
//	    Attributes: map[string]string{
//	        "deployment.region": region,
//	    },
//	})
//	defer shutdown(context.Background())
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Best Practices
//
//  1. Always propagate context to enable correlation
//  2. Use defer for span.End() to ensure spans are closed
//  3. Record errors on both metrics and traces
//  4. Use structured logging with key-value pairs
//  5. Set appropriate sampling rates for high-traffic deployments
//  6. Use typed metric labels (avoid high-cardinality values such as message content)
//  7. Call shutdown() on tracer during graceful shutdown
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Turn throughput
//	rate(orchestrator_turns_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(orchestrator_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(orchestrator_errors_total[5m])
//
//	# Sessions holding the writer lock
//	orchestrator_active_session_locks
//
//	# Tool execution time
//	rate(orchestrator_tool_execution_duration_seconds_sum[5m]) /
//	rate(orchestrator_tool_execution_duration_seconds_count[5m])
//
// # Alerting
//
// Recommended alerts based on metrics:
//   - High error rate: orchestrator_errors_total > threshold
//   - High LLM latency: p95 latency > 10s
//   - Memory gateway degrading often: rate(orchestrator_memory_degraded_total[5m]) > threshold
//   - Lock accumulation: orchestrator_active_session_locks growing unbounded
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
