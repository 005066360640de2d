package turnflow

import (
	"fmt"
	"strings"
)

// Decision is the router's verdict after a model invocation.
type Decision string

const (
	DecisionUseTools       Decision = "use_tools"
	DecisionSynthesis      Decision = "synthesis"
	DecisionSimpleResponse Decision = "simple_response"
	DecisionConversational Decision = "conversational_response"
	DecisionEnd            Decision = "end"
)

// RouteResult is a router decision together with the rule that produced it.
type RouteResult struct {
	Decision Decision
	// Rule names the rule that matched ("circuit_breaker", "redundancy", ...).
	Rule   string
	Reason string
	// NeedsSynthesis is the synthesis flag the run should carry from now on.
	NeedsSynthesis bool
}

// RouterConfig holds the router's ceilings.
type RouterConfig struct {
	MaxIterations       int
	MaxToolForcing      int
	RedundancyWindow    int
	RedundancyTolerance int
	// ForcingIterationCeiling is the last iteration after which the router
	// stops asking for forced tool work.
	ForcingIterationCeiling int
}

// Router combines every routing signal into one decision. Route reads the
// state only; it never mutates it.
type Router struct {
	cfg       RouterConfig
	reg       *Registry
	validator *SynthesisValidator
}

// NewRouter returns a router. A nil validator uses DefaultMinConfidence.
func NewRouter(cfg RouterConfig, reg *Registry, v *SynthesisValidator) *Router {
	if v == nil {
		v = NewSynthesisValidator(0)
	}
	if cfg.RedundancyWindow <= 0 {
		cfg.RedundancyWindow = defaultRedundancyWindow
	}
	if cfg.RedundancyTolerance <= 0 {
		cfg.RedundancyTolerance = defaultRedundancyTolerance
	}
	if cfg.ForcingIterationCeiling <= 0 {
		cfg.ForcingIterationCeiling = defaultForcingIterationCeiling
	}
	return &Router{cfg: cfg, reg: reg, validator: v}
}

type routeRule struct {
	name  string
	match func(r *Router, s *RunState, last ChatMessage) (RouteResult, bool)
}

// routeRules are evaluated in order; the first match wins.
var routeRules = []routeRule{
	{"circuit_breaker", (*Router).circuitBreaker},
	{"redundancy", (*Router).redundancy},
	{"pending_tool_calls", (*Router).pendingToolCalls},
	{"final_content", (*Router).finalContent},
	{"tool_results", (*Router).toolResults},
	{"tool_intent", (*Router).toolIntent},
	{"conversational", (*Router).conversational},
}

// Route returns the decision for s.
func (r *Router) Route(s *RunState) RouteResult {
	last, _ := s.Last()
	for _, rule := range routeRules {
		if res, ok := rule.match(r, s, last); ok {
			res.Rule = rule.name
			return res
		}
	}
	return RouteResult{Decision: DecisionEnd, Rule: "default", Reason: "no rule matched", NeedsSynthesis: s.NeedsSynthesis}
}

func (r *Router) circuitBreaker(s *RunState, _ ChatMessage) (RouteResult, bool) {
	if s.IterationCount <= r.cfg.MaxIterations {
		return RouteResult{}, false
	}
	return RouteResult{
		Decision:       DecisionSynthesis,
		Reason:         fmt.Sprintf("iteration %d exceeds ceiling %d", s.IterationCount, r.cfg.MaxIterations),
		NeedsSynthesis: true,
	}, true
}

// redundancy fires when a call of the latest tool turn, by canonical key,
// already appeared in at least RedundancyTolerance of the previous
// RedundancyWindow tool turns. A turn that fetches or extracts something new
// is a legitimate follow-up step and never counts as redundant.
func (r *Router) redundancy(s *RunState, last ChatMessage) (RouteResult, bool) {
	if !last.HasToolCalls() {
		return RouteResult{}, false
	}
	turns := s.toolTurns()
	if len(turns) < 2 {
		return RouteResult{}, false
	}
	prev := turns[max(0, len(turns)-1-r.cfg.RedundancyWindow) : len(turns)-1]
	windowKeys := make([]map[string]bool, len(prev))
	for i, t := range prev {
		windowKeys[i] = make(map[string]bool, len(t.ToolCalls))
		for _, tc := range t.ToolCalls {
			windowKeys[i][r.reg.CacheKey(tc)] = true
		}
	}
	seenAnywhere := func(key string) int {
		n := 0
		for _, keys := range windowKeys {
			if keys[key] {
				n++
			}
		}
		return n
	}

	for _, tc := range last.ToolCalls {
		cat := r.reg.CategoryOf(tc.Name)
		if (cat == CategoryFetch || cat == CategoryExtract) && seenAnywhere(r.reg.CacheKey(tc)) == 0 {
			return RouteResult{}, false
		}
	}
	for _, tc := range last.ToolCalls {
		key := r.reg.CacheKey(tc)
		if n := seenAnywhere(key); n >= r.cfg.RedundancyTolerance {
			return RouteResult{
				Decision:       DecisionSynthesis,
				Reason:         fmt.Sprintf("%s repeated in %d of the last %d tool turns", key, n, len(prev)),
				NeedsSynthesis: true,
			}, true
		}
	}
	return RouteResult{}, false
}

// pendingToolCalls routes to tool execution unless every pending call is an
// enumeration the run already has a result for; those fall through to
// response selection.
func (r *Router) pendingToolCalls(s *RunState, last ChatMessage) (RouteResult, bool) {
	if !last.HasToolCalls() {
		return RouteResult{}, false
	}
	if r.onceOnlySatisfied(s, last.ToolCalls) {
		return RouteResult{}, false
	}
	return RouteResult{
		Decision:       DecisionUseTools,
		Reason:         fmt.Sprintf("%d pending tool call(s)", len(last.ToolCalls)),
		NeedsSynthesis: s.NeedsSynthesis,
	}, true
}

func (r *Router) onceOnlySatisfied(s *RunState, calls []ToolCall) bool {
	if s.Progress == nil || !s.Progress.Snapshot().Listed {
		return false
	}
	for _, tc := range calls {
		if r.reg.CategoryOf(tc.Name) != CategoryEnumerate {
			return false
		}
	}
	return true
}

func (r *Router) finalContent(s *RunState, last ChatMessage) (RouteResult, bool) {
	if last.Role != RoleAssistant || last.HasToolCalls() || strings.TrimSpace(last.Content) == "" {
		return RouteResult{}, false
	}
	return RouteResult{Decision: DecisionEnd, Reason: "model produced the answer", NeedsSynthesis: s.NeedsSynthesis}, true
}

// toolResults merges the current flag, the multi-item signal, the synthesis
// validator and the query intent into the synthesis decision. A started
// enumerate-then-fetch or search-then-extract sequence is finished first
// while forcing is still allowed.
func (r *Router) toolResults(s *RunState, _ ChatMessage) (RouteResult, bool) {
	if len(s.ToolResults()) == 0 {
		return RouteResult{}, false
	}
	snap := s.progress(r.reg)
	intent := ClassifyQuery(s.Query)
	if !snap.Complete() && !intent.ListingOnly() && r.canForce(s) {
		if name, ok := snap.Suggest(r.reg); ok {
			return RouteResult{
				Decision:       DecisionUseTools,
				Reason:         "workflow incomplete, " + name + " pending",
				NeedsSynthesis: s.NeedsSynthesis,
			}, true
		}
	}
	items := snap.RetrievedItems
	multi := snap.MultiItem(s.Query)
	verdict := r.validator.Validate(s.Query, items, s.Hints, s.NeedsSynthesis)

	var reasons []string
	if s.NeedsSynthesis {
		reasons = append(reasons, "flag already set")
	}
	if multi {
		reasons = append(reasons, fmt.Sprintf("multi-item (%d items)", items))
	}
	if verdict.Flipped(s.NeedsSynthesis) {
		reasons = append(reasons, fmt.Sprintf("validator %s %.2f", verdict.Rule, verdict.Confidence))
	}
	if intent.Depth == DepthDeep {
		reasons = append(reasons, "deep intent")
	}
	needs := s.NeedsSynthesis || multi || verdict.ShouldForce || intent.Depth == DepthDeep
	if !needs {
		return RouteResult{Decision: DecisionSimpleResponse, Reason: "shallow request", NeedsSynthesis: false}, true
	}
	return RouteResult{Decision: DecisionSynthesis, Reason: strings.Join(reasons, ", "), NeedsSynthesis: true}, true
}

// canForce mirrors the limits the invocation step applies to forced calls,
// so the router never asks for tool work that would not be forced.
func (r *Router) canForce(s *RunState) bool {
	return s.ToolForcingCount < r.cfg.MaxToolForcing && s.IterationCount <= r.cfg.ForcingIterationCeiling
}

// toolIntent sends a query that needs tools, but has none yet, back to the
// model with a forced tool call while forcing is still allowed.
func (r *Router) toolIntent(s *RunState, _ ChatMessage) (RouteResult, bool) {
	if r.reg.Len() == 0 || len(s.toolTurns()) > 0 || !r.canForce(s) {
		return RouteResult{}, false
	}
	if !ClassifyQuery(s.Query).WantsTools() {
		return RouteResult{}, false
	}
	return RouteResult{Decision: DecisionUseTools, Reason: "query needs tools, none called yet", NeedsSynthesis: s.NeedsSynthesis}, true
}

func (r *Router) conversational(s *RunState, _ ChatMessage) (RouteResult, bool) {
	if len(s.ToolResults()) > 0 || !ClassifyQuery(s.Query).Conversational {
		return RouteResult{}, false
	}
	return RouteResult{Decision: DecisionConversational, Reason: "conversational query", NeedsSynthesis: false}, true
}
