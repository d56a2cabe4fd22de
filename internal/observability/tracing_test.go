package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer_NoEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "strand"})
	defer shutdown(context.Background())

	if tracer == nil {
		t.Fatal("NewTracer returned nil tracer")
	}
	if tracer.provider != nil {
		t.Error("no-endpoint tracer should not build a provider")
	}

	// Spans from the no-op tracer must still be usable.
	ctx, span := tracer.Start(context.Background(), "test_operation")
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	tracer.SetAttributes(span, "key", "value", "count", 3)
	tracer.AddEvent(span, "checkpoint", "ok", true)
	tracer.RecordError(span, errors.New("boom"))
	span.End()
}

func TestTracer_RecordErrorNilIsSafe(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	tracer.RecordError(span, nil)
}

func TestTracer_DomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "strand"})
	defer shutdown(context.Background())

	ctx := context.Background()

	ctx, runSpan := tracer.TraceRun(ctx, "sess-1")
	defer runSpan.End()

	_, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4-5")
	llmSpan.End()

	_, toolSpan := tracer.TraceToolExecution(ctx, "bash")
	toolSpan.End()

	_, compactSpan := tracer.TraceCompaction(ctx, "sess-1", "auto")
	compactSpan.End()

	_, storeSpan := tracer.TraceStoreQuery(ctx, "append", "jsonl")
	storeSpan.End()
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	var sawSpan bool
	err := WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		sawSpan = span != nil
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan returned %v for nil-error fn", err)
	}
	if !sawSpan {
		t.Error("fn did not receive a span")
	}

	sentinel := errors.New("op failed")
	err = WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("WithSpan error = %v, want %v", err, sentinel)
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID without span = %q, want empty", got)
	}
}
