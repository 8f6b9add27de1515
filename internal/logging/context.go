package logging

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type executionCtxKey struct{}
type documentCtxKey struct{}
type stepCtxKey struct{}

// WithExecutionID attaches a workflow execution id to the context.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, id)
}

// ExecutionIDFromContext extracts the execution id, or "".
func ExecutionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(executionCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithDocumentID attaches a document id to the context.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, documentCtxKey{}, id)
}

// DocumentIDFromContext extracts the document id, or "".
func DocumentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(documentCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithStep attaches the current workflow step name to the context.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, step)
}

// StepFromContext extracts the step name, or "".
func StepFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(stepCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := ExecutionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("execution.id", id))
	}
	if id := DocumentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("document.id", id))
	}
	if step := StepFromContext(ctx); step != "" {
		fields = append(fields, zap.String("execution.step", step))
	}

	return fields
}

func stdout() *os.File {
	return os.Stdout
}
