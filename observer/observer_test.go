package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nevindra/turnflow"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log/global"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testTelemetry records spans and metrics in memory.
type testTelemetry struct {
	inst   *Instruments
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newTestTelemetry(t *testing.T) *testTelemetry {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := newInstruments(tp, mp, global.GetLoggerProvider(), nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return &testTelemetry{inst: inst, spans: spans, reader: reader}
}

func (tt *testTelemetry) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range tt.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("span %q not recorded", name)
	return nil
}

// sum returns the total of an Int64 sum metric across data points.
func (tt *testTelemetry) sum(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tt.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

type stubProvider struct {
	resp turnflow.ChatResponse
	err  error
	last turnflow.ChatRequest
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(_ context.Context, req turnflow.ChatRequest) (turnflow.ChatResponse, error) {
	s.last = req
	return s.resp, s.err
}

func (s *stubProvider) ChatStream(_ context.Context, req turnflow.ChatRequest, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	defer close(ch)
	s.last = req
	ch <- turnflow.StreamEvent{Type: turnflow.EventTextDelta, Content: "hello"}
	ch <- turnflow.StreamEvent{Type: turnflow.EventTextDelta, Content: " world"}
	return s.resp, s.err
}

func TestObservedProviderChat(t *testing.T) {
	tel := newTestTelemetry(t)
	inner := &stubProvider{resp: turnflow.ChatResponse{Content: "hi", Usage: turnflow.Usage{InputTokens: 10, OutputTokens: 5}}}
	op := WrapProvider(inner, "gpt-4o-mini", tel.inst)

	choice := turnflow.ForceTool("search")
	resp, err := op.Chat(context.Background(), turnflow.ChatRequest{
		Tools:      []turnflow.ToolDefinition{{Name: "search"}},
		ToolChoice: &choice,
		Model:      "gpt-4o",
	})
	if err != nil || resp.Content != "hi" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if op.Name() != "stub" {
		t.Errorf("Name() = %q", op.Name())
	}

	span := tel.span(t, "llm.chat_with_tools")
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["llm.model"] != "gpt-4o" {
		t.Errorf("model attr = %q, want the request override", attrs["llm.model"])
	}
	if attrs["llm.tool_choice"] != "function:search" {
		t.Errorf("tool_choice attr = %q", attrs["llm.tool_choice"])
	}
	if got := tel.sum(t, "llm.token.usage"); got != 15 {
		t.Errorf("token usage = %d, want 15", got)
	}
	if got := tel.sum(t, "llm.requests"); got != 1 {
		t.Errorf("requests = %d", got)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	tel := newTestTelemetry(t)
	wantErr := errors.New("provider unavailable")
	op := WrapProvider(&stubProvider{err: wantErr}, "m", tel.inst)

	if _, err := op.Chat(context.Background(), turnflow.ChatRequest{}); !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if s := tel.span(t, "llm.chat"); s.Status().Code != codes.Error {
		t.Errorf("span status = %v", s.Status())
	}
}

func TestObservedProviderChatStream(t *testing.T) {
	tel := newTestTelemetry(t)
	inner := &stubProvider{resp: turnflow.ChatResponse{Content: "hello world"}}
	op := WrapProvider(inner, "m", tel.inst)

	ch := make(chan turnflow.StreamEvent, 10)
	resp, err := op.ChatStream(context.Background(), turnflow.ChatRequest{}, ch)
	if err != nil || resp.Content != "hello world" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	var got []string
	for ev := range ch {
		got = append(got, ev.Content)
	}
	if len(got) != 2 || got[0] != "hello" {
		t.Errorf("events = %v", got)
	}
	span := tel.span(t, "llm.chat_stream")
	for _, kv := range span.Attributes() {
		if kv.Key == AttrStreamChunks && kv.Value.AsInt64() != 2 {
			t.Errorf("chunks = %d", kv.Value.AsInt64())
		}
	}
}

func TestWrapCapability(t *testing.T) {
	tel := newTestTelemetry(t)
	boom := errors.New("boom")
	caps := WrapCapabilities([]turnflow.Capability{
		{Name: "ok", Category: turnflow.CategoryFetch, Invoke: func(context.Context, json.RawMessage) (string, error) { return "result", nil }},
		{Name: "bad", Invoke: func(context.Context, json.RawMessage) (string, error) { return "", boom }},
	}, tel.inst)

	out, err := caps[0].Invoke(context.Background(), nil)
	if err != nil || out != "result" {
		t.Errorf("ok = %q, %v", out, err)
	}
	if _, err := caps[1].Invoke(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("bad err = %v", err)
	}
	if caps[0].Name != "ok" || caps[0].Category != turnflow.CategoryFetch {
		t.Error("metadata not preserved")
	}
	if got := tel.sum(t, "capability.calls"); got != 2 {
		t.Errorf("capability.calls = %d", got)
	}
	if n := len(tel.spans.Ended()); n != 2 {
		t.Errorf("spans = %d", n)
	}
}

func TestWrapCapabilityNilInvoke(t *testing.T) {
	tel := newTestTelemetry(t)
	c := WrapCapability(turnflow.Capability{Name: "x"}, tel.inst)
	if c.Invoke != nil {
		t.Error("nil Invoke must stay nil so the registry rejects it")
	}
}

func TestObservedEngine(t *testing.T) {
	tel := newTestTelemetry(t)
	reg := turnflow.MustRegistry(WrapCapabilities([]turnflow.Capability{{
		Name:     "list_files",
		Category: turnflow.CategoryEnumerate,
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return `Found 1 files:
- Name: "Plan" (ID: p1, Type: document)
  Link: https://docs.example.com/p1`, nil
		},
	}}, tel.inst)...)

	scripted := &scriptProvider{responses: []turnflow.ChatResponse{
		{ToolCalls: []turnflow.ToolCall{{ID: "c1", Name: "list_files", Args: json.RawMessage(`{}`)}}},
		{},
		{Content: "Plan"},
	}}
	engine := turnflow.New(WrapProvider(scripted, "m", tel.inst), reg, turnflow.WithTracer(tel.inst.EngineTracer()))
	observed := WrapEngine(engine, tel.inst)

	msg, err := observed.Invoke(context.Background(), []turnflow.ChatMessage{turnflow.UserMessage("list my files")})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "Plan" {
		t.Errorf("content = %q", msg.Content)
	}
	if got := tel.sum(t, "engine.route_decisions"); got != 2 {
		t.Errorf("route decisions = %d, want 2", got)
	}
	if got := tel.sum(t, "engine.runs"); got != 1 {
		t.Errorf("runs = %d", got)
	}
	root := tel.span(t, "engine.execute")
	run := tel.span(t, "engine.run")
	if run.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Error("engine spans should nest under engine.execute")
	}
	if observed.Config().MaxIterations == 0 {
		t.Error("Config not delegated")
	}
}

func TestObservedEngineError(t *testing.T) {
	tel := newTestTelemetry(t)
	engine := turnflow.New(&stubProvider{err: errors.New("down")}, nil)
	observed := WrapEngine(engine, tel.inst)

	ch := make(chan turnflow.StreamEvent, 8)
	if _, err := observed.ExecuteStream(context.Background(), []turnflow.ChatMessage{turnflow.UserMessage("hi")}, ch); err == nil {
		t.Fatal("expected error")
	}
	var last turnflow.StreamEvent
	for ev := range ch {
		last = ev
	}
	if last.Type != turnflow.EventError {
		t.Errorf("last event = %+v", last)
	}
	if s := tel.span(t, "engine.execute"); s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status())
	}
}

// scriptProvider replays responses in order.
type scriptProvider struct {
	responses []turnflow.ChatResponse
	i         int
}

func (s *scriptProvider) Name() string { return "script" }

func (s *scriptProvider) Chat(context.Context, turnflow.ChatRequest) (turnflow.ChatResponse, error) {
	if s.i >= len(s.responses) {
		return turnflow.ChatResponse{Content: "done"}, nil
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

func (s *scriptProvider) ChatStream(ctx context.Context, req turnflow.ChatRequest, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	defer close(ch)
	resp, err := s.Chat(ctx, req)
	if resp.Content != "" {
		ch <- turnflow.StreamEvent{Type: turnflow.EventTextDelta, Content: resp.Content}
	}
	return resp, err
}
