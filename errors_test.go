package turnflow

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrLLMError(t *testing.T) {
	tests := []struct {
		provider string
		message  string
		want     string
	}{
		{"openai", "rate limited", "openai: rate limited"},
		{"groq", "context length exceeded", "groq: context length exceeded"},
	}
	for _, tt := range tests {
		e := &ErrLLM{Provider: tt.provider, Message: tt.message}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrLLM{%q, %q}.Error() = %q, want %q", tt.provider, tt.message, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestIsContextOverflow(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &ErrContextOverflow{Provider: "openai", Attempts: 2, Err: errors.New("x")}, true},
		{"wrapped typed", fmt.Errorf("invoke: %w", &ErrContextOverflow{Provider: "openai"}), true},
		{"openai body", &ErrHTTP{Status: 400, Body: `{"error":{"code":"context_length_exceeded"}}`}, true},
		{"413 body", &ErrHTTP{Status: 413, Body: "prompt is too long"}, true},
		{"400 other", &ErrHTTP{Status: 400, Body: "invalid tool schema"}, false},
		{"500 with marker", &ErrHTTP{Status: 500, Body: "maximum context length"}, false},
		{"llm message", &ErrLLM{Provider: "x", Message: "This model's maximum context length is 8192 tokens"}, true},
		{"plain", errors.New("maximum context length"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContextOverflow(tt.err); got != tt.want {
				t.Errorf("IsContextOverflow(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestToolExecutionErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := &ToolExecutionError{Tool: "search", CallID: "c1", Err: base}
	if !errors.Is(err, base) {
		t.Error("ToolExecutionError should unwrap to its cause")
	}
	if got := err.Error(); got != "tool search (call c1): boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("ParseRetryAfter(3) = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter(\"\") = %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("ParseRetryAfter(soon) = %v", got)
	}
}
