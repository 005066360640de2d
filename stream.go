package turnflow

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk of the final answer.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallDelta carries a fragment of tool-call arguments while the
	// provider is still streaming them.
	EventToolCallDelta StreamEventType = "tool-call-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed (or cached) tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventRouteDecision carries the router's decision after each invocation.
	EventRouteDecision StreamEventType = "route-decision"
	// EventError carries a user-visible failure message. It is the last event of a failed run.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during a streamed run.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID is the tool call ID (tool-call events only).
	ID string `json:"id,omitempty"`
	// Name is the tool name, or the decision rule for route-decision events.
	Name string `json:"name,omitempty"`
	// Content carries the text delta, tool result, decision or error message.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Cached marks tool results served from the run cache.
	Cached bool `json:"cached,omitempty"`
}
