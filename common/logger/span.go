package logger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "astralcore.crisis"

// SpanContext wraps an OTel span for managed lifecycle.
type SpanContext struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan creates a new span as a child of the current trace context.
// Returns a SpanContext that must be ended with End().
//
// Example:
//
//	sc := logger.StartSpan(ctx, "dispatch.alert")
//	defer sc.End()
//	ctx = sc.Context()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *SpanContext {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name, opts...)
	return &SpanContext{ctx: ctx, span: span}
}

// StartSpanFromTraceID creates a new span linked to a remote trace.
// Used when an escalation crosses the redis stream into the worker process.
// If traceID is empty or invalid, returns a span with no parent trace.
func StartSpanFromTraceID(ctx context.Context, traceIDStr string, name string, opts ...trace.SpanStartOption) *SpanContext {
	tracer := otel.Tracer(tracerName)

	if traceIDStr == "" {
		ctx, span := tracer.Start(ctx, name, opts...)
		return &SpanContext{ctx: ctx, span: span}
	}

	traceID, err := trace.TraceIDFromHex(traceIDStr)
	if err != nil {
		ctx, span := tracer.Start(ctx, name, opts...)
		return &SpanContext{ctx: ctx, span: span}
	}

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	opts = append(opts, trace.WithLinks(trace.Link{SpanContext: spanCtx}))
	ctx = trace.ContextWithRemoteSpanContext(ctx, spanCtx)
	ctx, span := tracer.Start(ctx, name, opts...)

	return &SpanContext{ctx: ctx, span: span}
}

// TraceID returns the hex trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func (sc *SpanContext) Context() context.Context {
	return sc.ctx
}

// End completes the span. Safe to call multiple times.
func (sc *SpanContext) End() {
	if sc.span != nil {
		sc.span.End()
	}
}

func (sc *SpanContext) RecordError(err error) {
	if sc.span != nil && err != nil {
		sc.span.RecordError(err)
	}
}

func (sc *SpanContext) Span() trace.Span {
	return sc.span
}
