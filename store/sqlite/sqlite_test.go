package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/turnflow"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestRunStore(t *testing.T) {
	s := testStore(t)
	rs := s.NewRun()

	if _, ok := rs.Get("list_files|"); ok {
		t.Fatal("empty store returned a hit")
	}
	rs.Put("list_files|", "Found 2 files")
	rs.Put("get_file|file_id=a", "File: a")
	rs.Put("list_files|", "Found 3 files")

	if got, ok := rs.Get("list_files|"); !ok || got != "Found 3 files" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if rs.Len() != 2 {
		t.Errorf("Len = %d, want 2", rs.Len())
	}
	rs.Reset()
	if rs.Len() != 0 {
		t.Errorf("Len after Reset = %d", rs.Len())
	}
}

func TestRunsAreIsolated(t *testing.T) {
	s := testStore(t)
	a, b := s.NewRun(), s.NewRun()
	a.Put("k", "from a")
	if _, ok := b.Get("k"); ok {
		t.Error("run b sees run a's result")
	}
	b.Put("k", "from b")
	b.Reset()
	if got, _ := a.Get("k"); got != "from a" {
		t.Errorf("reset of b affected a: %q", got)
	}

	results, err := s.Results(context.Background(), a.(*runStore).RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results["k"] != "from a" {
		t.Errorf("Results = %v", results)
	}
}

func TestConcurrentPuts(t *testing.T) {
	s := testStore(t)
	rs := s.NewRun()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs.Put(fmt.Sprintf("k%d", i), "v")
		}()
	}
	wg.Wait()
	if rs.Len() != 10 {
		t.Errorf("Len = %d, want 10", rs.Len())
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	rs := s.NewRun()
	rs.Put("old", "x")
	if _, err := s.db.Exec(`UPDATE tool_results SET created_at = ?`, time.Now().Add(-48*time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}
	rs.Put("new", "y")

	n, err := s.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if _, ok := rs.Get("old"); ok {
		t.Error("old result survived prune")
	}
	if _, ok := rs.Get("new"); !ok {
		t.Error("new result pruned")
	}
}

// toolOnceProvider requests one lookup, then answers.
type toolOnceProvider struct{ calls int }

func (p *toolOnceProvider) Name() string { return "tool-once" }

func (p *toolOnceProvider) Chat(context.Context, turnflow.ChatRequest) (turnflow.ChatResponse, error) {
	p.calls++
	if p.calls == 1 {
		return turnflow.ChatResponse{ToolCalls: []turnflow.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)}}}, nil
	}
	return turnflow.ChatResponse{Content: "The answer."}, nil
}

func (p *toolOnceProvider) ChatStream(ctx context.Context, req turnflow.ChatRequest, ch chan<- turnflow.StreamEvent) (turnflow.ChatResponse, error) {
	defer close(ch)
	return p.Chat(ctx, req)
}

func TestEngineUsesStore(t *testing.T) {
	s := testStore(t)
	reg := turnflow.MustRegistry(turnflow.Capability{
		Name: "lookup",
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return "lookup result", nil
		},
	})
	engine := turnflow.New(&toolOnceProvider{}, reg, turnflow.WithResultStore(s.NewRun))
	if _, err := engine.Invoke(context.Background(), []turnflow.ChatMessage{turnflow.UserMessage("look up x")}); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_results WHERE content = 'lookup result'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("persisted results = %d, want 1", n)
	}
}
