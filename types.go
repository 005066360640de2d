package turnflow

import "encoding/json"

// Role tags a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"      // human turn
	RoleAssistant Role = "assistant" // model turn, may carry tool calls
	RoleTool      Role = "tool"
)

// --- LLM protocol types ---

type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the capability name on tool messages.
	Name string `json:"name,omitempty"`
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m ChatMessage) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolChoiceMode selects how the model may use the bound tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required" // any tool
	ToolChoiceFunction ToolChoiceMode = "function" // the tool named in ToolChoice.Name
)

// ToolChoice is a tool-choice directive sent along with a ChatRequest.
// The zero value means auto.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode,omitempty"`
	Name string         `json:"name,omitempty"`
}

// Forced reports whether the directive coerces a tool call.
func (c ToolChoice) Forced() bool {
	return c.Mode == ToolChoiceRequired || (c.Mode == ToolChoiceFunction && c.Name != "")
}

// String renders the directive for logs ("auto", "required", "function:list_files").
func (c ToolChoice) String() string {
	switch c.Mode {
	case "":
		return string(ToolChoiceAuto)
	case ToolChoiceFunction:
		return "function:" + c.Name
	default:
		return string(c.Mode)
	}
}

// ForceTool returns a directive that requires the named tool.
func ForceTool(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceFunction, Name: name}
}

// ForceAnyTool returns a directive that requires some tool call.
func ForceAnyTool() ToolChoice {
	return ToolChoice{Mode: ToolChoiceRequired}
}

type ChatRequest struct {
	Messages   []ChatMessage    `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice      `json:"tool_choice,omitempty"`
	// Model overrides the provider's default model when non-empty.
	Model string `json:"model,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// AssistantToolCalls builds an assistant turn that only requests tools.
func AssistantToolCalls(calls ...ToolCall) ChatMessage {
	return ChatMessage{Role: RoleAssistant, ToolCalls: calls}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}
