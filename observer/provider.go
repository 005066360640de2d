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

// ObservedProvider wraps a turnflow.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner turnflow.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider. model is the provider's
// default model, used for pricing when a request does not override it.
func WrapProvider(inner turnflow.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) modelFor(req turnflow.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedProvider) startSpan(ctx context.Context, name string, req turnflow.ChatRequest) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrLLMModel.String(o.modelFor(req)),
		AttrLLMProvider.String(o.inner.Name()),
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		attrs = append(attrs, AttrToolCount.Int(len(req.Tools)), AttrToolNames.StringSlice(names))
	}
	if req.ToolChoice != nil {
		attrs = append(attrs, AttrToolChoice.String(req.ToolChoice.String()))
	}
	return o.inst.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *ObservedProvider) Chat(ctx context.Context, req turnflow.ChatRequest) (turnflow.ChatResponse, error) {
	method := "chat"
	if len(req.Tools) > 0 {
		method = "chat_with_tools"
	}
	ctx, span := o.startSpan(ctx, "llm."+method, req)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)
	o.record(ctx, span, req, method, time.Since(start), resp.Usage, err)
	return resp, err
}

// ChatStream forwards events through a private channel to count chunks. The
// private channel is buffered so the inner provider never blocks on a
// consumer that only reads after ChatStream returns.
func (o *ObservedProvider) ChatStream(ctx context.Context, req turnflow.ChatRequest, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	ctx, span := o.startSpan(ctx, "llm.chat_stream", req)
	defer span.End()
	start := time.Now()

	inner := make(chan turnflow.StreamEvent, max(cap(ch), 64))
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(ch)
		for ev := range inner {
			chunks++
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, inner)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req, "chat_stream", time.Since(start), resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, req turnflow.ChatRequest, method string, elapsed time.Duration, usage turnflow.Usage, err error) {
	model := o.modelFor(req)
	status := "ok"
	if err != nil {
		status = "error"
		if turnflow.IsContextOverflow(err) {
			status = "context_overflow"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	base := []attribute.KeyValue{AttrLLMModel.String(model), AttrLLMProvider.String(o.inner.Name())}
	with := func(extra ...attribute.KeyValue) metric.MeasurementOption {
		return metric.WithAttributes(append(append([]attribute.KeyValue{}, base...), extra...)...)
	}
	ms := float64(elapsed.Milliseconds())

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), with(attribute.String("direction", "input")))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), with(attribute.String("direction", "output")))
	o.inst.CostTotal.Add(ctx, cost, with(AttrLLMMethod.String(method)))
	o.inst.LLMRequests.Add(ctx, 1, with(AttrLLMMethod.String(method), attribute.String("status", status)))
	o.inst.LLMDuration.Record(ctx, ms, with(AttrLLMMethod.String(method)))

	o.inst.emitLog(ctx, otellog.SeverityInfo, "llm call completed",
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", ms),
		otellog.String("status", status),
	)
}

var _ turnflow.Provider = (*ObservedProvider)(nil)
