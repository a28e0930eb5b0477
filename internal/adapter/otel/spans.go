package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "warden"

// StartExecutionSpan starts a span for one chain execution.
func StartExecutionSpan(ctx context.Context, executionID, chainID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chain_execution",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("chain.id", chainID),
			attribute.String("run.id", runID),
		),
	)
}

// EndSpan records the resulting decision on the span and ends it.
func EndSpan(span trace.Span, decision string) {
	span.SetAttributes(attribute.String("decision", decision))
	span.End()
}

// StartReviewSpan starts a span for one supervision request's review.
func StartReviewSpan(ctx context.Context, requestID string, position int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "review",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.Int("request.position", position),
		),
	)
}
