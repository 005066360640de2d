package turnflow

import (
	"encoding/json"
	"testing"
)

func TestApplyReducer(t *testing.T) {
	s := &RunState{Messages: []ChatMessage{UserMessage("hi")}}
	s.Apply(StateDelta{
		Messages:       []ChatMessage{AssistantMessage("a")},
		Iterations:     1,
		NeedsSynthesis: boolPtr(true),
	})
	s.Apply(StateDelta{Messages: []ChatMessage{AssistantMessage("b")}, ToolForcing: 1})
	if len(s.Messages) != 3 || s.Messages[2].Content != "b" {
		t.Fatalf("messages should append, got %+v", s.Messages)
	}
	if s.IterationCount != 1 || s.ToolForcingCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", s.IterationCount, s.ToolForcingCount)
	}
	if !s.NeedsSynthesis {
		t.Error("nil NeedsSynthesis must leave the flag unchanged")
	}
	s.Apply(StateDelta{NeedsSynthesis: boolPtr(false)})
	if s.NeedsSynthesis {
		t.Error("NeedsSynthesis is last-writer-wins")
	}
	s.Apply(StateDelta{})
	if len(s.Messages) != 3 {
		t.Error("zero delta must not change state")
	}
}

func TestNewRunStateFresh(t *testing.T) {
	ws := newWorkspace(t)
	cache := NewMemoryStore()
	cache.Put("stale", "x")
	msgs := []ChatMessage{UserMessage("old question"), AssistantMessage("old answer"), UserMessage("show my files")}
	s := NewRunState(msgs, ws.reg, cache)

	if cache.Len() != 0 {
		t.Error("cache must be reset for a new run")
	}
	if s.Query != "show my files" {
		t.Errorf("Query = %q", s.Query)
	}
	if s.RunID == "" {
		t.Error("RunID not set")
	}
	msgs[0].Content = "mutated"
	if s.Messages[0].Content != "old question" {
		t.Error("state must not alias the caller's slice")
	}
	if s.Progress.Snapshot().Listed {
		t.Error("progress must start empty")
	}
}

func TestNewRunStateReplaysCurrentTurn(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("earlier"),
		AssistantToolCalls(call("o1", "get_file", `{"file_id":"old"}`)),
		ToolResultMessage("o1", "get_file", "old content"),
		UserMessage("list my files"),
		AssistantToolCalls(call("c1", "list_files", `{}`)),
		ToolResultMessage("c1", "list_files", listingResult),
	)
	snap := s.Progress.Snapshot()
	if !snap.Listed || len(snap.ListedIDs) != 2 {
		t.Errorf("listing not replayed: %+v", snap)
	}
	if len(snap.FetchedIDs) != 0 {
		t.Errorf("previous turn leaked into progress: %v", snap.FetchedIDs)
	}
	if got := len(s.ToolResults()); got != 1 {
		t.Errorf("ToolResults() = %d messages, want current turn only", got)
	}
	if got := len(s.toolTurns()); got != 1 {
		t.Errorf("toolTurns() = %d, want 1", got)
	}
}

func TestRunStateProgress(t *testing.T) {
	ws := newWorkspace(t)
	s := stateOf(ws.reg,
		UserMessage("compare the reports"),
		AssistantToolCalls(call("c1", "list_files", `{}`), call("c2", "get_file", `{"file_id":"doc1"}`),
			call("c3", "get_file", `{"file_id":"missing"}`), call("c4", "get_file", `{"file_id":"doc2"}`)),
		ToolResultMessage("c1", "list_files", listingResult),
		ToolResultMessage("c2", "get_file", "doc1 body"),
		ToolResultMessage("c3", "get_file", errorPrefix+"file not found"),
		ToolResultMessage("c4", "get_file", "doc2 body"),
	)
	snap := s.progress(ws.reg)
	if snap.RetrievedItems != 2 {
		t.Errorf("RetrievedItems = %d, want 2 (listings and errors excluded)", snap.RetrievedItems)
	}
	if !snap.Complete() {
		t.Error("listing followed by fetches should be complete")
	}

	// Tool messages the tracker never saw still count as retrieved items.
	s.Progress = NewWorkflowProgress()
	if got := s.progress(ws.reg).RetrievedItems; got != 2 {
		t.Errorf("RetrievedItems from messages = %d, want 2", got)
	}
}

func TestMemoryStore(t *testing.T) {
	var s ResultStore = NewMemoryStore()
	if _, ok := s.Get("k"); ok {
		t.Fatal("empty store returned a value")
	}
	s.Put("k", "v")
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	s.Put("k", "w")
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}
	s.Reset()
	if s.Len() != 0 {
		t.Error("Reset did not clear")
	}
}

func TestWorkflowProgressRecord(t *testing.T) {
	p := NewWorkflowProgress()
	p.Record(CategoryEnumerate, nil, "boom", true)
	if p.Snapshot().Listed {
		t.Fatal("a failed listing must not count")
	}

	p.Record(CategoryEnumerate, json.RawMessage(`{}`), listingResult, false)
	snap := p.Snapshot()
	if !snap.Listed || len(snap.ListedIDs) != 2 || snap.ListedIDs[0] != "doc1" {
		t.Fatalf("listing ids = %v", snap.ListedIDs)
	}
	if len(snap.SourceLinks) != 2 {
		t.Errorf("source links = %v", snap.SourceLinks)
	}
	if snap.RetrievedItems != 0 {
		t.Error("listings are not retrieved items")
	}

	p.Record(CategoryFetch, json.RawMessage(`{"file_id":"doc2"}`), "body", false)
	snap = p.Snapshot()
	if len(snap.FetchedIDs) != 1 || snap.FetchedIDs[0] != "doc2" || snap.RetrievedItems != 1 {
		t.Errorf("after fetch: %+v", snap)
	}
}

func TestWorkflowProgressJSONResults(t *testing.T) {
	p := NewWorkflowProgress()
	p.Record(CategorySearch, nil, `{"items":[{"id":"a","url":"https://x.example.com/a"},{"id":"b","webViewLink":"https://x.example.com/b"}]}`, false)
	snap := p.Snapshot()
	if !snap.SearchDone || len(snap.SearchLinks) != 2 {
		t.Errorf("search links from JSON = %v", snap.SearchLinks)
	}
}

func TestProgressSuggest(t *testing.T) {
	ws := newWorkspace(t)
	tests := []struct {
		name   string
		record func(p *WorkflowProgress)
		want   string
	}{
		{"nothing done", func(*WorkflowProgress) {}, ""},
		{"listed not fetched", func(p *WorkflowProgress) {
			p.Record(CategoryEnumerate, nil, listingResult, false)
		}, "get_file"},
		{"listed and fetched", func(p *WorkflowProgress) {
			p.Record(CategoryEnumerate, nil, listingResult, false)
			p.Record(CategoryFetch, json.RawMessage(`{"file_id":"doc1"}`), "x", false)
		}, ""},
		{"searched not extracted", func(p *WorkflowProgress) {
			p.Record(CategorySearch, nil, "Link: https://news.example.com/a", false)
		}, "read_url"},
		{"search without hits", func(p *WorkflowProgress) {
			p.Record(CategorySearch, nil, "no results", false)
		}, ""},
		{"searched and extracted", func(p *WorkflowProgress) {
			p.Record(CategorySearch, nil, "Link: https://news.example.com/a", false)
			p.Record(CategoryExtract, json.RawMessage(`{"url":"https://news.example.com/a"}`), "text", false)
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewWorkflowProgress()
			tt.record(p)
			snap := p.Snapshot()
			got, ok := snap.Suggest(ws.reg)
			if got != tt.want || ok != (tt.want != "") {
				t.Errorf("Suggest = %q, %v; want %q", got, ok, tt.want)
			}
			if snap.Complete() && tt.want != "" {
				t.Error("a pending sequence is not complete")
			}
		})
	}
}

func TestProgressSuggestWithoutCapability(t *testing.T) {
	list, _ := countingCap("list_files", CategoryEnumerate, ConstantKey(), func(json.RawMessage) (string, error) { return listingResult, nil })
	reg := MustRegistry(list)
	p := NewWorkflowProgress()
	p.Record(CategoryEnumerate, nil, listingResult, false)
	if _, ok := p.Snapshot().Suggest(reg); ok {
		t.Error("no fetch capability registered, nothing to suggest")
	}
}

func TestMultiItem(t *testing.T) {
	snap := ProgressSnapshot{RetrievedItems: 2}
	if !snap.MultiItem("compare these two reports") {
		t.Error("two items with comparison wording should be multi-item")
	}
	if snap.MultiItem("show me the reports") {
		t.Error("no comparison wording")
	}
	if (ProgressSnapshot{RetrievedItems: 1}).MultiItem("compare them") {
		t.Error("one item is never multi-item")
	}
}
