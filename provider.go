package turnflow

import "context"

// Provider abstracts the inference service.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools is
	// non-empty the response may contain tool calls; req.ToolChoice constrains them.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream emits text-delta (and tool-call-delta) events into ch, then
	// returns the final accumulated response. Implementations close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "groq").
	Name() string
}
