// Package trace provides tracing instrumentation for ghost sessions.
package trace

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/ghost/log"
)

const tracerName = "ghost"

// liveSpan is the span of the last navigation of a session. Later API calls
// of the session become its children.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for session navigations and API calls.
type Tracer struct {
	logger *log.Logger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger *log.Logger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(log.NewNullLogger(), trace.NewNoopTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace id of spanCtx, or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceAPICall starts a span for an API call of the session identified by
// sessionID. The span is a child of the session's live navigation span, if
// any. It is the caller's responsibility to end the span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, sessionID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[sessionID]
	t.liveSpansMu.RUnlock()

	opts = append(opts, trace.WithAttributes(attribute.String("session.id", sessionID)))

	if ls == nil {
		t.logger.Tracef("Tracer:TraceAPICall", "no live span spanName:%q sid:%q", spanName, sessionID)
		sCtx, span := t.Start(ctx, spanName, opts...)

		return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
	}

	t.logger.Tracef("Tracer:TraceAPICall", "spanName:%q traceID:%q sid:%q",
		spanName, GetTraceID(trace.SpanContextFromContext(ls.ctx)), sessionID)
	sCtx, span := t.Start(ls.ctx, spanName, opts...)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceNavigation starts the navigation span of a session. The previous
// navigation span of the session is ended. The returned span is ended by
// the next navigation or by EndSession.
func (t *Tracer) TraceNavigation(
	ctx context.Context, sessionID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[sessionID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	opts = append(opts, trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("navigation.url", url),
	))

	spanName := "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	t.liveSpans[sessionID] = ls

	t.logger.Tracef("Tracer:TraceNavigation", "spanName:%q traceID:%q sid:%q",
		spanName, GetTraceID(trace.SpanContextFromContext(ls.ctx)), sessionID)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// EndSession ends the live span of a session.
func (t *Tracer) EndSession(sessionID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[sessionID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, sessionID)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return trace.NewNoopTracerProvider() }

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   *log.Logger
	spanName string
}

// SetStatus logs and sets the status of the underlying span.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Tracef("Span:SetStatus", "spanName:%q traceID:%q code:%q description:%q",
		i.spanName, GetTraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End logs and ends the underlying span.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Tracef("Span:End", "spanName:%q traceID:%q", i.spanName, GetTraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError logs and records err on the underlying span.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Tracef("Span:RecordError", "spanName:%q traceID:%q err:%q",
		i.spanName, GetTraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}

// EndWithError records err, if any, sets the span status accordingly and
// ends the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
