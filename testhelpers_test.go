package turnflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// mockProvider returns scripted responses in order and records every request.
// errs[i], when non-nil, is returned for call i instead of responses[i].
// Once the script runs out it answers "done".
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
	calls     int
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return ChatResponse{Content: "done"}, nil
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

// ChatStream emits the scripted content word by word.
func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	resp, err := m.next(req)
	if err != nil {
		return resp, err
	}
	words := strings.SplitAfter(resp.Content, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: w}:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return resp, nil
}

func (m *mockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

func (m *mockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Provider = (*mockProvider)(nil)

// fixedProvider answers every request the same way, for termination tests.
type fixedProvider struct {
	calls atomic.Int32
	fn    func(n int, req ChatRequest) (ChatResponse, error)
}

func (f *fixedProvider) Name() string { return "fixed" }

func (f *fixedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	n := int(f.calls.Add(1))
	return f.fn(n, req)
}

func (f *fixedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	resp, err := f.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
	}
	return resp, err
}

// --- capability fixtures ---

// capCounter counts invocations of a test capability.
type capCounter struct {
	calls atomic.Int32
}

func (c *capCounter) n() int { return int(c.calls.Load()) }

func countingCap(name string, cat Category, canon Canonicalizer, fn func(args json.RawMessage) (string, error)) (Capability, *capCounter) {
	c := &capCounter{}
	return Capability{
		Name:        name,
		Description: "test capability " + name,
		Category:    cat,
		Canonical:   canon,
		Invoke: func(_ context.Context, args json.RawMessage) (string, error) {
			c.calls.Add(1)
			return fn(args)
		},
	}, c
}

const listingResult = `Found 2 files:
- Name: "Q1 Report" (ID: doc1, Type: application/vnd.google-apps.document, Modified: 2024-01-02)
  Link: https://docs.example.com/doc1
- Name: "Q2 Report" (ID: doc2, Type: application/vnd.google-apps.document, Modified: 2024-04-02)
  Link: https://docs.example.com/doc2`

// workspaceFixture is a registry shaped like a document workspace server.
type workspaceFixture struct {
	reg    *Registry
	list   *capCounter
	get    *capCounter
	search *capCounter
	read   *capCounter
}

func newWorkspace(t *testing.T) *workspaceFixture {
	t.Helper()
	list, lc := countingCap("list_files", CategoryEnumerate, ConstantKey(), func(json.RawMessage) (string, error) {
		return listingResult, nil
	})
	list.Schema = json.RawMessage(`{"type":"object","properties":{"page_size":{"type":"integer"},"user_google_email":{"type":"string"}}}`)

	get, gc := countingCap("get_file", CategoryFetch, FieldsKey("file_id"), func(args json.RawMessage) (string, error) {
		var a struct {
			FileID string `json:"file_id"`
		}
		_ = json.Unmarshal(args, &a)
		if a.FileID == "missing" {
			return "", errors.New("file not found")
		}
		return `File: "` + a.FileID + `" (ID: ` + a.FileID + `, Type: document)
Link: https://docs.example.com/` + a.FileID + `

--- CONTENT ---
Revenue grew in ` + a.FileID + `.`, nil
	})
	get.Schema = json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"]}`)

	search, sc := countingCap("search_web", CategorySearch, QueryKey("query"), func(args json.RawMessage) (string, error) {
		return "1. Result\n   Link: https://news.example.com/a", nil
	})
	search.Schema = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)

	read, rc := countingCap("read_url", CategoryExtract, FieldsKey("url"), func(args json.RawMessage) (string, error) {
		return "Article text. Link: https://news.example.com/a", nil
	})

	reg, err := NewRegistry(list, get, search, read)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &workspaceFixture{reg: reg, list: lc, get: gc, search: sc, read: rc}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// stateOf builds a run state over msgs the way the engine does.
func stateOf(reg *Registry, msgs ...ChatMessage) *RunState {
	return NewRunState(msgs, reg, nil)
}

func collectEvents(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}
