package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/turnflow"
)

// BuildBody converts a turnflow request into the wire format. model is used
// unless req.Model overrides it.
func BuildBody(req turnflow.ChatRequest, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := Message{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case turnflow.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: argString(tc.Args)},
				})
			}
		case turnflow.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		msgs = append(msgs, msg)
	}

	body := ChatRequest{Model: model, Messages: msgs}
	if req.Model != "" {
		body.Model = req.Model
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
		if req.ToolChoice != nil {
			body.ToolChoice = toolChoice(*req.ToolChoice)
		}
	}
	for _, opt := range opts {
		opt(&body)
	}
	return body
}

// toolChoice maps a directive to the tool_choice field. An unset mode is left
// out so the API default (auto) applies.
func toolChoice(c turnflow.ToolChoice) any {
	switch c.Mode {
	case turnflow.ToolChoiceFunction:
		return NamedToolChoice{Type: "function", Function: FunctionName{Name: c.Name}}
	case turnflow.ToolChoiceRequired, turnflow.ToolChoiceNone, turnflow.ToolChoiceAuto:
		return string(c.Mode)
	default:
		return nil
	}
}

func argString(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}

// BuildToolDefs converts tool definitions to the function-tool format.
func BuildToolDefs(tools []turnflow.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type:     "function",
			Function: Function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}
