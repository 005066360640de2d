package turnflow

import "testing"

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
		role Role
	}{
		{"UserMessage", UserMessage("hello"), RoleUser},
		{"SystemMessage", SystemMessage("hello"), RoleSystem},
		{"AssistantMessage", AssistantMessage("hello"), RoleAssistant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.msg.Role != tt.role || tt.msg.Content != "hello" {
				t.Errorf("%s = %+v", tt.name, tt.msg)
			}
			if tt.msg.HasToolCalls() || tt.msg.ToolCallID != "" {
				t.Errorf("%s must not carry tool fields", tt.name)
			}
		})
	}
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResultMessage("call-123", "get_file", "result data")
	if msg.Role != RoleTool || msg.ToolCallID != "call-123" || msg.Name != "get_file" || msg.Content != "result data" {
		t.Errorf("ToolResultMessage = %+v", msg)
	}
}

func TestHasToolCalls(t *testing.T) {
	if !AssistantToolCalls(ToolCall{ID: "1", Name: "x"}).HasToolCalls() {
		t.Error("assistant tool-call turn not detected")
	}
	if (ChatMessage{Role: RoleUser, ToolCalls: []ToolCall{{ID: "1"}}}).HasToolCalls() {
		t.Error("only assistant messages request tools")
	}
}

func TestToolChoice(t *testing.T) {
	tests := []struct {
		choice ToolChoice
		forced bool
		str    string
	}{
		{ToolChoice{}, false, "auto"},
		{ToolChoice{Mode: ToolChoiceNone}, false, "none"},
		{ForceAnyTool(), true, "required"},
		{ForceTool("list_files"), true, "function:list_files"},
		{ToolChoice{Mode: ToolChoiceFunction}, false, "function:"},
	}
	for _, tt := range tests {
		if got := tt.choice.Forced(); got != tt.forced {
			t.Errorf("%+v.Forced() = %v, want %v", tt.choice, got, tt.forced)
		}
		if got := tt.choice.String(); got != tt.str {
			t.Errorf("%+v.String() = %q, want %q", tt.choice, got, tt.str)
		}
	}
}

func TestUsageAdd(t *testing.T) {
	got := Usage{InputTokens: 1, OutputTokens: 2}.Add(Usage{InputTokens: 10, OutputTokens: 20})
	if got != (Usage{InputTokens: 11, OutputTokens: 22}) {
		t.Errorf("Add = %+v", got)
	}
}
