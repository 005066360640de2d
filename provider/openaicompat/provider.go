package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/turnflow"
)

// Provider implements turnflow.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"); /chat/completions is appended. model is the
// default model, overridden per request by ChatRequest.Model.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request.
func (p *Provider) Chat(ctx context.Context, req turnflow.ChatRequest) (turnflow.ChatResponse, error) {
	resp, err := p.send(ctx, BuildBody(req, p.model, p.opts...))
	if err != nil {
		return turnflow.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return turnflow.ChatResponse{}, &turnflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(out), nil
}

// ChatStream streams text and tool-call deltas into ch and returns the
// accumulated response. ch is closed in every case.
func (p *Provider) ChatStream(ctx context.Context, req turnflow.ChatRequest, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	body := BuildBody(req, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		close(ch)
		return turnflow.ChatResponse{}, err
	}
	defer resp.Body.Close()
	return StreamSSE(ctx, resp.Body, ch)
}

// send posts body to the chat completions endpoint. Non-200 responses are
// returned as *turnflow.ErrHTTP so the retry decorator and the context
// overflow check can inspect them.
func (p *Provider) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &turnflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &turnflow.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &turnflow.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: turnflow.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

var _ turnflow.Provider = (*Provider)(nil)
