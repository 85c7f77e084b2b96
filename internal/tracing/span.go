package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartPhaseSpan starts the span covering one scenario phase.
func StartPhaseSpan(ctx context.Context, tracer trace.Tracer, kind, name string) (context.Context, trace.Span) {
	spanName := "phase " + kind
	if name != "" && name != kind {
		spanName += " " + name
	}
	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("relaycheck.phase", kind))
	return ctx, span
}

// StartCallSpan starts a client span for one collaborator call made by identity.
func StartCallSpan(ctx context.Context, tracer trace.Tracer, op, identity string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	if identity != "" {
		span.SetAttributes(attribute.String("relaycheck.identity", identity))
	}
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
