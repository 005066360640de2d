package observer

import (
	"context"
	"time"

	"github.com/nevindra/turnflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedEngine wraps a turnflow.Runner with a run-level span, run metrics
// and a per-rule route decision counter. Spans created inside the run (LLM
// calls, capabilities, the engine's own tracer) become its children.
type ObservedEngine struct {
	inner turnflow.Runner
	inst  *Instruments
}

// WrapEngine returns an instrumented Runner.
func WrapEngine(inner turnflow.Runner, inst *Instruments) *ObservedEngine {
	return &ObservedEngine{inner: inner, inst: inst}
}

func (o *ObservedEngine) Config() turnflow.EngineConfig { return o.inner.Config() }

// Invoke runs the turn through ExecuteStream so route decisions are counted
// for non-streaming callers too.
func (o *ObservedEngine) Invoke(ctx context.Context, msgs []turnflow.ChatMessage) (turnflow.ChatMessage, error) {
	ch := make(chan turnflow.StreamEvent, 64)
	go func() {
		for range ch {
		}
	}()
	return o.ExecuteStream(ctx, msgs, ch)
}

func (o *ObservedEngine) ExecuteStream(ctx context.Context, msgs []turnflow.ChatMessage, ch chan<- turnflow.StreamEvent) (turnflow.ChatMessage, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.Int("run.messages", len(msgs)),
	))
	defer span.End()
	start := time.Now()

	inner := make(chan turnflow.StreamEvent, max(cap(ch), 64))
	var decisions, toolCalls, cached int
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(ch)
		for ev := range inner {
			switch ev.Type {
			case turnflow.EventRouteDecision:
				decisions++
				span.AddEvent("route", trace.WithAttributes(AttrRouteDecision.String(ev.Content), AttrRouteRule.String(ev.Name)))
				o.inst.RouteDecisions.Add(ctx, 1, metric.WithAttributes(
					AttrRouteDecision.String(ev.Content),
					AttrRouteRule.String(ev.Name),
				))
			case turnflow.EventToolCallResult:
				toolCalls++
				if ev.Cached {
					cached++
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()

	msg, err := o.inner.ExecuteStream(ctx, msgs, inner)
	<-done

	status := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrRunStatus.String(status),
		AttrToolCalls.Int(toolCalls),
		AttrCachedResults.Int(cached),
		attribute.Int("run.route_decisions", decisions),
	)

	ms := float64(time.Since(start).Milliseconds())
	o.inst.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	o.inst.RunDuration.Record(ctx, ms)
	o.inst.emitLog(ctx, otellog.SeverityInfo, "engine run completed",
		otellog.String("run.status", status),
		otellog.Int("run.tool_calls", toolCalls),
		otellog.Int("run.cached_results", cached),
		otellog.Int("run.route_decisions", decisions),
		otellog.Float64("duration_ms", ms),
	)
	return msg, err
}

var _ turnflow.Runner = (*ObservedEngine)(nil)
