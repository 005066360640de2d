package turnflow

import (
	"reflect"
	"strings"
	"testing"
)

func testRouter(reg *Registry) *Router {
	return NewRouter(RouterConfig{MaxIterations: 8, MaxToolForcing: 2}, reg, nil)
}

func TestRouteListingFlow(t *testing.T) {
	ws := newWorkspace(t)
	r := testRouter(ws.reg)

	s := stateOf(ws.reg, UserMessage("list the available files"))
	got := r.Route(s)
	if got.Decision != DecisionUseTools || got.Rule != "tool_intent" {
		t.Fatalf("before tools: %+v, want use_tools via tool_intent", got)
	}

	s = stateOf(ws.reg,
		UserMessage("list the available files"),
		AssistantToolCalls(call("c1", "list_files", `{}`)),
		ToolResultMessage("c1", "list_files", listingResult),
	)
	got = r.Route(s)
	if got.Decision != DecisionSimpleResponse || got.Rule != "tool_results" {
		t.Errorf("after listing: %+v, want simple_response", got)
	}
	if got.NeedsSynthesis {
		t.Error("a listing must not need synthesis")
	}
}

func TestRouteComparisonNeedsSynthesis(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("compare the Q1 and Q2 reports"),
		AssistantToolCalls(call("c1", "get_file", `{"file_id":"doc1"}`), call("c2", "get_file", `{"file_id":"doc2"}`)),
		ToolResultMessage("c1", "get_file", "Q1 revenue 10"),
		ToolResultMessage("c2", "get_file", "Q2 revenue 12"),
	)
	got := testRouter(ws.reg).Route(s)
	if got.Decision != DecisionSynthesis || !got.NeedsSynthesis {
		t.Fatalf("got %+v, want synthesis", got)
	}
	if got.Reason == "" {
		t.Error("synthesis decision should explain itself")
	}
}

func TestRouteCircuitBreakerFirst(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("find the report"),
		AssistantToolCalls(call("c1", "get_file", `{"file_id":"doc1"}`)),
	)
	s.IterationCount = 9
	got := testRouter(ws.reg).Route(s)
	if got.Decision != DecisionSynthesis || got.Rule != "circuit_breaker" {
		t.Errorf("got %+v, want circuit_breaker synthesis", got)
	}

	s.IterationCount = 8
	if got := testRouter(ws.reg).Route(s); got.Rule == "circuit_breaker" {
		t.Error("the breaker fires only past the ceiling")
	}
}

func searchTurn(id, query string) []ChatMessage {
	return []ChatMessage{
		AssistantToolCalls(call(id, "search_web", `{"query":"`+query+`"}`)),
		ToolResultMessage(id, "search_web", "1. Result\n   Link: https://news.example.com/"+id),
	}
}

func TestRouteRedundancy(t *testing.T) {
	ws := newWorkspace(t)
	r := testRouter(ws.reg)

	msgs := []ChatMessage{UserMessage("search the web for acme revenue")}
	msgs = append(msgs, searchTurn("s1", "acme revenue")...)
	msgs = append(msgs, AssistantToolCalls(call("s2", "search_web", `{"query":"Revenue of ACME"}`)))
	if got := r.Route(stateOf(ws.reg, msgs...)); got.Decision != DecisionUseTools {
		t.Fatalf("second equivalent search: %+v, want use_tools (below tolerance)", got)
	}

	msgs = msgs[:len(msgs)-1]
	msgs = append(msgs, searchTurn("s2", "Revenue of ACME")...)
	msgs = append(msgs, AssistantToolCalls(call("s3", "search_web", `{"query":"the acme revenue"}`)))
	got := r.Route(stateOf(ws.reg, msgs...))
	if got.Decision != DecisionSynthesis || got.Rule != "redundancy" {
		t.Errorf("third equivalent search: %+v, want redundancy synthesis", got)
	}
}

func TestRouteRedundancyExemptsNewFetch(t *testing.T) {
	ws := newWorkspace(t)
	msgs := []ChatMessage{UserMessage("search the web for acme revenue")}
	msgs = append(msgs, searchTurn("s1", "acme revenue")...)
	msgs = append(msgs, searchTurn("s2", "acme revenue")...)
	msgs = append(msgs, AssistantToolCalls(
		call("s3", "search_web", `{"query":"acme revenue"}`),
		call("r1", "read_url", `{"url":"https://news.example.com/s1"}`),
	))
	got := testRouter(ws.reg).Route(stateOf(ws.reg, msgs...))
	if got.Decision != DecisionUseTools || got.Rule != "pending_tool_calls" {
		t.Errorf("got %+v, want the new extract to proceed", got)
	}
}

func TestRouteOnceOnlyListing(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("list my files"),
		AssistantToolCalls(call("c1", "list_files", `{}`)),
		ToolResultMessage("c1", "list_files", listingResult),
		AssistantToolCalls(call("c2", "list_files", `{"page_size":50}`)),
	)
	got := testRouter(ws.reg).Route(s)
	if got.Decision == DecisionUseTools {
		t.Fatalf("a second listing must not execute: %+v", got)
	}
	if got.Decision != DecisionSimpleResponse {
		t.Errorf("got %+v, want simple_response over the first listing", got)
	}
}

func TestRouteOtherRules(t *testing.T) {
	ws := newWorkspace(t)
	tests := []struct {
		name     string
		reg      *Registry
		msgs     []ChatMessage
		forcing  int
		decision Decision
		rule     string
	}{
		{"final content", ws.reg, []ChatMessage{UserMessage("hi"), AssistantMessage("Hello!")}, 0, DecisionEnd, "final_content"},
		{"greeting", ws.reg, []ChatMessage{UserMessage("hello")}, 0, DecisionConversational, "conversational"},
		{"forcing exhausted", ws.reg, []ChatMessage{UserMessage("list my files")}, 2, DecisionEnd, "default"},
		{"no tools registered", MustRegistry(), []ChatMessage{UserMessage("list my files")}, 0, DecisionEnd, "default"},
		{"pending call", ws.reg, []ChatMessage{UserMessage("open doc1"), AssistantToolCalls(call("c1", "get_file", `{"file_id":"doc1"}`))}, 0, DecisionUseTools, "pending_tool_calls"},
		{"empty assistant", ws.reg, []ChatMessage{UserMessage("what's the capital of France"), AssistantMessage("  ")}, 0, DecisionEnd, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := stateOf(tt.reg, tt.msgs...)
			s.ToolForcingCount = tt.forcing
			got := testRouter(tt.reg).Route(s)
			if got.Decision != tt.decision || got.Rule != tt.rule {
				t.Errorf("got %s via %s, want %s via %s", got.Decision, got.Rule, tt.decision, tt.rule)
			}
		})
	}
}

func TestRouteDoesNotMutate(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("compare the Q1 and Q2 reports"),
		AssistantToolCalls(call("c1", "get_file", `{"file_id":"doc1"}`), call("c2", "get_file", `{"file_id":"doc2"}`)),
		ToolResultMessage("c1", "get_file", "a"),
		ToolResultMessage("c2", "get_file", "b"),
	)
	before := append([]ChatMessage(nil), s.Messages...)
	snap := s.Progress.Snapshot()
	r := testRouter(ws.reg)
	first := r.Route(s)
	second := r.Route(s)
	if first != second {
		t.Errorf("Route is not deterministic: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(before, s.Messages) || s.NeedsSynthesis || s.IterationCount != 0 {
		t.Error("Route mutated the state")
	}
	if !reflect.DeepEqual(snap, s.Progress.Snapshot()) {
		t.Error("Route mutated the progress tracker")
	}
}

func TestRouteListingPhrasingStaysSimple(t *testing.T) {
	ws := newWorkspace(t)
	for _, q := range []string{
		"list the available files",
		"list all of the files in the drive",
		"list files across folders",
		"list each of the files",
	} {
		t.Run(q, func(t *testing.T) {
			s := stateOf(ws.reg,
				UserMessage(q),
				AssistantToolCalls(call("c1", "list_files", `{}`)),
				ToolResultMessage("c1", "list_files", listingResult),
				AssistantMessage(""),
			)
			got := testRouter(ws.reg).Route(s)
			if got.Decision != DecisionSimpleResponse || got.NeedsSynthesis {
				t.Errorf("got %s (%s), want simple_response", got.Decision, got.Reason)
			}
		})
	}
}

func TestRouteFinishesPendingSequence(t *testing.T) {
	ws := newWorkspace(t)
	msgs := []ChatMessage{
		UserMessage("summarize my files"),
		AssistantToolCalls(call("c1", "list_files", `{}`)),
		ToolResultMessage("c1", "list_files", listingResult),
		AssistantMessage(""),
	}

	got := testRouter(ws.reg).Route(stateOf(ws.reg, msgs...))
	if got.Decision != DecisionUseTools || got.Rule != "tool_results" {
		t.Fatalf("got %+v, want use_tools while the fetch is pending", got)
	}
	if !strings.Contains(got.Reason, "get_file") {
		t.Errorf("reason %q should name the pending capability", got.Reason)
	}

	spent := stateOf(ws.reg, msgs...)
	spent.ToolForcingCount = 2
	if got := testRouter(ws.reg).Route(spent); got.Decision == DecisionUseTools {
		t.Errorf("forcing budget spent, got %+v", got)
	}

	late := stateOf(ws.reg, msgs...)
	late.IterationCount = 6
	if got := testRouter(ws.reg).Route(late); got.Decision == DecisionUseTools {
		t.Errorf("past the forcing ceiling, got %+v", got)
	}

	done := stateOf(ws.reg, append(msgs[:3:3],
		AssistantToolCalls(call("c2", "get_file", `{"file_id":"doc1"}`)),
		ToolResultMessage("c2", "get_file", "doc1 body"),
		AssistantMessage(""),
	)...)
	if got := testRouter(ws.reg).Route(done); got.Decision != DecisionSynthesis {
		t.Errorf("after the fetch: %+v, want synthesis", got)
	}
}

func TestRouteToolIntentRespectsForcingCeiling(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg, UserMessage("find the budget spreadsheet"), AssistantMessage(""))
	s.IterationCount = 6
	got := testRouter(ws.reg).Route(s)
	if got.Decision == DecisionUseTools {
		t.Errorf("got %+v, tool intent must stop at the forcing ceiling", got)
	}

	s.IterationCount = 1
	if got := testRouter(ws.reg).Route(s); got.Rule != "tool_intent" {
		t.Errorf("below the ceiling got %+v, want tool_intent", got)
	}
}
