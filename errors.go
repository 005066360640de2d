package turnflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 when absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrContextOverflow reports that the inference service rejected a request
// for exceeding the model's context window, even after emergency truncation.
type ErrContextOverflow struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ErrContextOverflow) Error() string {
	return fmt.Sprintf("%s: context window exceeded after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ErrContextOverflow) Unwrap() error { return e.Err }

// ToolExecutionError is a single failed capability call. It never aborts a
// run; the tool execution step renders it into an error-content tool message.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// contextOverflowMarkers are lowercase fragments providers put in 400 bodies
// when the prompt is too long.
var contextOverflowMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"too many tokens",
	"reduce the length of the messages",
}

// IsContextOverflow reports whether err is a context-length failure, either
// typed (ErrContextOverflow) or recognised from a provider error body.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	var overflow *ErrContextOverflow
	if errors.As(err, &overflow) {
		return true
	}
	var text string
	var httpErr *ErrHTTP
	var llmErr *ErrLLM
	switch {
	case errors.As(err, &httpErr):
		if httpErr.Status != 400 && httpErr.Status != 413 {
			return false
		}
		text = httpErr.Body
	case errors.As(err, &llmErr):
		text = llmErr.Message
	default:
		return false
	}
	text = strings.ToLower(text)
	for _, m := range contextOverflowMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value (delay-seconds form).
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
