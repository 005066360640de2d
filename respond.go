package turnflow

import (
	"context"
	"fmt"
)

// synthesize builds a cited, sectioned report from every successful tool
// result of the turn. Sources are collected before results are summarized or
// clipped, so the numbered list always covers every retrieved item.
func (e *Engine) synthesize(ctx context.Context, s *RunState, ch chan<- StreamEvent) (StateDelta, error) {
	var results []ChatMessage
	for _, m := range s.ToolResults() {
		if !isErrorResult(m.Content) {
			results = append(results, m)
		}
	}
	var sources []Source
	seen := make(map[string]bool)
	for _, m := range results {
		for _, src := range ExtractSources(m.Content) {
			if !seen[src.URL] {
				seen[src.URL] = true
				sources = append(sources, src)
			}
		}
	}
	system := SystemMessage(e.cfg.SystemPrompt + "\n\n" + synthesisInstructions)
	prompt := func(rs []ChatMessage) string { return synthesisPrompt(s.Query, rs, sources) }
	results = e.fitToolResults(ctx, s, system, prompt, results)
	req := ChatRequest{Messages: []ChatMessage{system, UserMessage(prompt(results))}}
	req.Messages = e.fitRequest(req.Messages)
	req.Model = e.cfg.Models.Strong
	return e.respond(ctx, s, "synthesis", req, ch)
}

// simpleRespond presents the tool results without re-analysis.
func (e *Engine) simpleRespond(ctx context.Context, s *RunState, ch chan<- StreamEvent) (StateDelta, error) {
	var results []ChatMessage
	for _, m := range s.ToolResults() {
		if !isErrorResult(m.Content) {
			results = append(results, m)
		}
	}
	if len(results) == 0 {
		results = s.ToolResults()
	}
	kind := simpleGeneric
	switch {
	case e.allCategory(results, CategoryEnumerate):
		kind = simpleListing
	case len(results) == 1:
		kind = simplePreview
	}
	system := SystemMessage(e.cfg.SystemPrompt + "\n\n" + simpleInstructions)
	if kind != simplePreview {
		prompt := func(rs []ChatMessage) string { return simplePrompt(s.Query, kind, rs) }
		results = e.fitToolResults(ctx, s, system, prompt, results)
	}
	req := ChatRequest{
		Messages: []ChatMessage{system, UserMessage(simplePrompt(s.Query, kind, results))},
		Model:    e.cfg.Models.Fast,
	}
	req.Messages = e.fitRequest(req.Messages)
	return e.respond(ctx, s, "simple_response", req, ch)
}

// converse answers from the persona alone, for queries that needed no tools.
func (e *Engine) converse(ctx context.Context, s *RunState, ch chan<- StreamEvent) (StateDelta, error) {
	req := ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(e.cfg.SystemPrompt),
			UserMessage(s.Query),
		},
		Model: e.cfg.Models.Fast,
	}
	return e.respond(ctx, s, "conversational", req, ch)
}

func (e *Engine) allCategory(msgs []ChatMessage, cat Category) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if e.registry.CategoryOf(m.Name) != cat {
			return false
		}
	}
	return true
}

// fitToolResults summarizes oversized results (reusing the run's summaries)
// and clips the rest so that prompt(results) fits the model next to system.
func (e *Engine) fitToolResults(ctx context.Context, s *RunState, system ChatMessage, prompt func([]ChatMessage) string, results []ChatMessage) []ChatMessage {
	results = e.ctxmgr.summarizeToolResults(ctx, results, s.summaries)
	fixed := e.ctxmgr.EstimateTokens([]ChatMessage{system, UserMessage(prompt(nil))})
	return e.ctxmgr.FitToolResults(results, e.ctxmgr.Budget(e.cfg.ModelLimit, 0)-fixed)
}

// fitRequest truncates a response prompt that would not fit the model.
func (e *Engine) fitRequest(msgs []ChatMessage) []ChatMessage {
	a := e.ctxmgr.Analyze(msgs, e.cfg.ModelLimit, 0)
	if !a.Overflow {
		return msgs
	}
	return e.ctxmgr.EmergencyTruncate(msgs, a.Budget)
}

// respond runs one terminal step. With a stream sink attached the answer is
// streamed as text deltas.
func (e *Engine) respond(ctx context.Context, s *RunState, step string, req ChatRequest, ch chan<- StreamEvent) (StateDelta, error) {
	ctx, span := startSpan(ctx, e.tracer, "engine.respond", StringAttr("step", step))
	defer span.End()

	var resp ChatResponse
	var err error
	if ch != nil {
		resp, err = e.chatStream(ctx, req, ch)
	} else {
		resp, err = e.provider.Chat(ctx, req)
	}
	if err != nil {
		span.Error(err)
		return StateDelta{}, fmt.Errorf("%s: %w", step, err)
	}
	e.logger.Info("response generated", "run_id", s.RunID, "step", step,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return StateDelta{Messages: []ChatMessage{AssistantMessage(resp.Content)}}, nil
}

// chatStream forwards provider stream events to ch. The provider closes the
// channel it is given, so it gets a private one; ch stays open for the run.
func (e *Engine) chatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	inner := make(chan StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range inner {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()
	resp, err := e.provider.ChatStream(ctx, req, inner)
	<-done
	return resp, err
}
