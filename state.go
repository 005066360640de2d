package turnflow

import "slices"

// RunState is the unit of mutation for one turn. It is created fresh per run
// by NewRunState, changed only through Apply, and discarded when the run ends.
type RunState struct {
	RunID string
	// Messages is append-only; Apply concatenates, never replaces.
	Messages []ChatMessage
	// IterationCount is incremented exactly once per model invocation.
	IterationCount int
	// ToolForcingCount is incremented only when the engine coerced a tool call.
	ToolForcingCount int
	// NeedsSynthesis is last-writer-wins.
	NeedsSynthesis bool
	Progress       *WorkflowProgress
	Cache          ResultStore
	// Query is the human message that started the turn.
	Query string
	Hints PlanHints

	// summaries memoizes tool-result summaries by ToolCallID for the run.
	summaries map[string]string
}

// StateDelta is what a graph step returns. The zero value changes nothing.
type StateDelta struct {
	Messages       []ChatMessage
	Iterations     int
	ToolForcing    int
	NeedsSynthesis *bool
}

// Apply is the RunState reducer.
func (s *RunState) Apply(d StateDelta) {
	s.Messages = append(s.Messages, d.Messages...)
	s.IterationCount += d.Iterations
	s.ToolForcingCount += d.ToolForcing
	if d.NeedsSynthesis != nil {
		s.NeedsSynthesis = *d.NeedsSynthesis
	}
}

// NewRunState builds the state of a new run from the initial messages. The
// cache and progress tracker start empty; tool exchanges already present in
// the current turn are replayed into the tracker so resumed runs route the
// same way as uninterrupted ones. A nil cache gets a fresh MemoryStore.
func NewRunState(msgs []ChatMessage, reg *Registry, cache ResultStore) *RunState {
	if cache == nil {
		cache = NewMemoryStore()
	}
	cache.Reset()
	s := &RunState{
		RunID:     NewID(),
		Messages:  slices.Clone(msgs),
		Progress:  NewWorkflowProgress(),
		Cache:     cache,
		summaries: make(map[string]string),
	}
	start := s.turnStart()
	if start < len(s.Messages) && s.Messages[start].Role == RoleUser {
		s.Query = s.Messages[start].Content
	}
	calls := make(map[string]ToolCall)
	for _, m := range s.Messages[start:] {
		switch {
		case m.HasToolCalls():
			for _, tc := range m.ToolCalls {
				calls[tc.ID] = tc
			}
		case m.Role == RoleTool:
			tc := calls[m.ToolCallID]
			if tc.Name == "" {
				tc.Name = m.Name
			}
			s.Progress.Record(reg.CategoryOf(tc.Name), tc.Args, m.Content, isErrorResult(m.Content))
		}
	}
	return s
}

// turnStart returns the index of the latest user message, or 0 when there is none.
func (s *RunState) turnStart() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return i
		}
	}
	return 0
}

// Last returns the most recent message.
func (s *RunState) Last() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// ToolResults returns the tool messages of the current turn.
func (s *RunState) ToolResults() []ChatMessage {
	var out []ChatMessage
	for _, m := range s.Messages[s.turnStart():] {
		if m.Role == RoleTool {
			out = append(out, m)
		}
	}
	return out
}

// toolTurns returns the assistant messages of the current turn that requested tools.
func (s *RunState) toolTurns() []ChatMessage {
	var out []ChatMessage
	for _, m := range s.Messages[s.turnStart():] {
		if m.HasToolCalls() {
			out = append(out, m)
		}
	}
	return out
}

// progress returns the tracker snapshot with RetrievedItems raised to the
// count of successful, non-listing tool results of the current turn, so the
// router sees retrieved items even for exchanges the tracker never recorded.
func (s *RunState) progress(reg *Registry) ProgressSnapshot {
	var snap ProgressSnapshot
	if s.Progress != nil {
		snap = s.Progress.Snapshot()
	}
	n := 0
	for _, m := range s.ToolResults() {
		if isErrorResult(m.Content) || reg.CategoryOf(m.Name) == CategoryEnumerate {
			continue
		}
		if m.Content == "" {
			continue
		}
		n++
	}
	snap.RetrievedItems = max(snap.RetrievedItems, n)
	return snap
}

func boolPtr(b bool) *bool { return &b }
