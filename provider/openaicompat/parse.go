package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/turnflow"
)

// ParseResponse extracts content, tool calls and usage from choices[0].
func ParseResponse(resp ChatResponse) turnflow.ChatResponse {
	var out turnflow.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		out.ToolCalls = ParseToolCalls(msg.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}
	return out
}

func parseUsage(u *Usage) turnflow.Usage {
	return turnflow.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// ParseToolCalls converts wire tool calls. Arguments arrive as a JSON string;
// anything that is not valid JSON becomes {} and fails schema validation
// downstream instead of breaking the transcript.
func ParseToolCalls(tcs []ToolCallRequest) []turnflow.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]turnflow.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, turnflow.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: validArgs(tc.Function.Arguments)})
	}
	return out
}

func validArgs(s string) json.RawMessage {
	args := json.RawMessage(s)
	if !json.Valid(args) {
		return json.RawMessage(`{}`)
	}
	return args
}
