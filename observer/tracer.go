package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/turnflow"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements turnflow.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a turnflow.Tracer backed by the global TracerProvider.
// Call Init first; otherwise spans go to a no-op backend.
func NewTracer() turnflow.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

// EngineTracer returns a turnflow.Tracer on the instruments' tracer, for
// turnflow.WithTracer.
func (i *Instruments) EngineTracer() turnflow.Tracer {
	return &otelTracer{inner: i.Tracer}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...turnflow.SpanAttr) (context.Context, turnflow.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...turnflow.SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...turnflow.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.inner.End() }

func toOTELAttrs(attrs []turnflow.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(a)
	}
	return out
}

func toOTELAttr(a turnflow.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ turnflow.Tracer = (*otelTracer)(nil)
	_ turnflow.Span   = (*otelSpan)(nil)
)
