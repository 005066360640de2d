package openaicompat

import "testing"

func TestParseResponse(t *testing.T) {
	resp := ParseResponse(ChatResponse{
		Choices: []Choice{{Message: &ChoiceMessage{
			Content: "ok",
			ToolCalls: []ToolCallRequest{
				{ID: "c1", Function: FunctionCall{Name: "a", Arguments: `{"x":1}`}},
				{ID: "c2", Function: FunctionCall{Name: "b", Arguments: `{"x":`}},
			},
		}}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 3},
	})
	if resp.Content != "ok" || resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Args) != `{"x":1}` {
		t.Errorf("args = %s", resp.ToolCalls[0].Args)
	}
	if string(resp.ToolCalls[1].Args) != `{}` {
		t.Errorf("truncated args should become {}, got %s", resp.ToolCalls[1].Args)
	}
}

func TestParseResponseEmpty(t *testing.T) {
	resp := ParseResponse(ChatResponse{})
	if resp.Content != "" || resp.ToolCalls != nil {
		t.Errorf("resp = %+v", resp)
	}
}
