// Package observability provides monitoring and debugging capabilities for
// the agent runtime through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track LLM
// request latency, token usage and cost, tool execution performance, session
// log growth, compaction and retry activity, and error rates by component.
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("bash", "success", 0.42)
//
// # Logging
//
// Logging is built on log/slog with JSON or text output. Loggers pull
// session and run ids out of the context so every record correlates with the
// run that produced it, and redact API keys, tokens, and other secrets
// before anything hits the sink.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "compaction finished", "tokens_before", 120000)
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. With no endpoint
// configured the tracer is a no-op, so instrumentation stays in place at
// zero cost until a collector is available.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "strand",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
