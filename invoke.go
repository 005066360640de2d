package turnflow

import (
	"context"
	"fmt"
	"strings"
)

// resolveToolChoice decides the tool-choice directive for the next
// invocation. forced reports whether the directive coerces a call (and so
// counts against the forcing budget). wantTools is set when the router asked
// for tool use without the model having requested any.
func (e *Engine) resolveToolChoice(s *RunState, wantTools bool) (choice ToolChoice, forced bool) {
	if e.registry.Len() == 0 {
		return ToolChoice{}, false
	}
	choice = e.cfg.ToolChoice
	snap := s.Progress.Snapshot()
	intent := ClassifyQuery(s.Query)

	if !choice.Forced() && choice.Mode != ToolChoiceNone {
		noWork := len(s.toolTurns()) == 0
		switch {
		case !intent.ListingOnly() && suggestionReady(snap, e.registry):
			name, _ := snap.Suggest(e.registry)
			choice = ForceTool(name)
		case wantTools, noWork && e.cfg.ForceOnToolIntent && intent.WantsTools():
			if name, ok := e.registry.FirstOf(CategoryEnumerate); ok && intent.ListingOnly() {
				choice = ForceTool(name)
			} else {
				choice = ForceAnyTool()
			}
		}
	}
	if !choice.Forced() {
		return choice, false
	}

	switch {
	case s.ToolForcingCount >= e.cfg.MaxToolForcing:
		e.logger.Debug("tool forcing stopped", "run_id", s.RunID, "reason", "forcing budget spent")
		return ToolChoice{Mode: ToolChoiceAuto}, false
	case s.IterationCount > e.cfg.ForcingIterationCeiling:
		e.logger.Debug("tool forcing stopped", "run_id", s.RunID, "reason", "iteration ceiling")
		return ToolChoice{Mode: ToolChoiceAuto}, false
	case snap.Listed && (intent.ListingOnly() || e.forcesEnumeration(choice)):
		e.logger.Debug("tool forcing stopped", "run_id", s.RunID, "reason", "listing already done")
		return ToolChoice{Mode: ToolChoiceAuto}, false
	}
	return choice, true
}

func suggestionReady(snap ProgressSnapshot, reg *Registry) bool {
	_, ok := snap.Suggest(reg)
	return ok
}

func (e *Engine) forcesEnumeration(c ToolChoice) bool {
	return c.Mode == ToolChoiceFunction && e.registry.CategoryOf(c.Name) == CategoryEnumerate
}

// requestMessages returns the transcript as the inference service should see
// it: the system prompt first, empty assistant turns dropped, and tool calls
// that never got a result removed so the history stays valid.
func (e *Engine) requestMessages(s *RunState) []ChatMessage {
	answered := make(map[string]bool)
	for _, m := range s.Messages {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	out := make([]ChatMessage, 0, len(s.Messages)+1)
	hasSystem := len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem
	if !hasSystem && e.cfg.SystemPrompt != "" {
		out = append(out, SystemMessage(e.cfg.SystemPrompt))
	}
	for _, m := range s.Messages {
		if m.Role == RoleAssistant {
			if len(m.ToolCalls) > 0 {
				calls := make([]ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if answered[tc.ID] {
						calls = append(calls, tc)
					}
				}
				m.ToolCalls = calls
			}
			if len(m.ToolCalls) == 0 && strings.TrimSpace(m.Content) == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// invoke is the model invocation step. It produces exactly one assistant
// message and increments the iteration count. A context-length rejection is
// retried once with an emergency-truncated transcript.
func (e *Engine) invoke(ctx context.Context, s *RunState, wantTools bool) (StateDelta, error) {
	ctx, span := startSpan(ctx, e.tracer, "engine.invoke", IntAttr("iteration", s.IterationCount+1))
	defer span.End()

	defs := e.registry.Definitions()
	msgs := e.ctxmgr.summarizeToolResults(ctx, e.requestMessages(s), s.summaries)
	analysis := e.ctxmgr.Analyze(msgs, e.cfg.ModelLimit, len(defs))
	if analysis.Overflow {
		before := len(msgs)
		msgs = e.ctxmgr.Truncate(msgs, analysis.Budget)
		e.logger.Info("context truncated", "run_id", s.RunID, "estimated_tokens", analysis.EstimatedTokens,
			"budget", analysis.Budget, "messages_before", before, "messages_after", len(msgs))
	}

	choice, forced := e.resolveToolChoice(s, wantTools)
	req := ChatRequest{Messages: msgs, Tools: defs, Model: e.cfg.Models.For(analysis.Tier)}
	if len(defs) > 0 && choice.Mode != "" && choice.Mode != ToolChoiceAuto {
		req.ToolChoice = &choice
	}
	span.SetAttr(StringAttr("tool_choice", choice.String()), StringAttr("tier", analysis.Tier.String()),
		IntAttr("estimated_tokens", analysis.EstimatedTokens))

	resp, err := e.provider.Chat(ctx, req)
	if IsContextOverflow(err) {
		e.logger.Warn("context overflow, retrying with emergency truncation", "run_id", s.RunID, "error", err)
		req.Messages = e.ctxmgr.EmergencyTruncate(msgs, analysis.Budget)
		resp, err = e.provider.Chat(ctx, req)
		if IsContextOverflow(err) {
			err = &ErrContextOverflow{Provider: e.provider.Name(), Attempts: 2, Err: err}
			span.Error(err)
			return StateDelta{}, err
		}
	}
	if err != nil {
		span.Error(err)
		return StateDelta{}, fmt.Errorf("invoke: %w", err)
	}

	msg := AssistantMessage(resp.Content)
	if len(resp.ToolCalls) > 0 {
		msg.ToolCalls = ensureCallIDs(resp.ToolCalls)
		// A tool-calling turn carries no user-visible prose.
		msg.Content = ""
	}
	e.logger.Info("model invoked", "run_id", s.RunID, "iteration", s.IterationCount+1,
		"tool_choice", choice.String(), "tool_calls", len(msg.ToolCalls),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	delta := StateDelta{Messages: []ChatMessage{msg}, Iterations: 1}
	if forced {
		delta.ToolForcing = 1
	}
	return delta, nil
}
