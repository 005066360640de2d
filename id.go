package turnflow

import (
	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for run IDs and for tool calls a provider returned without an ID.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ensureCallIDs fills empty ToolCall IDs so every tool message can be linked
// back to its originating call.
func ensureCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + NewID()
		}
	}
	return calls
}
