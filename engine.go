package turnflow

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync/atomic"
)

// graphState is a node of the run's state machine.
type graphState int

const (
	stateInvoke graphState = iota
	stateRouteDecision
	stateExecuteTools
	stateSynthesize
	stateSimpleRespond
	stateConverse
	stateEnd
)

var graphStateNames = [...]string{"invoke", "route_decision", "execute_tools", "synthesize", "simple_respond", "converse", "end"}

func (g graphState) String() string { return graphStateNames[g] }

// decisionTargets is the single conditional edge out of RouteDecision.
var decisionTargets = map[Decision]graphState{
	DecisionUseTools:       stateExecuteTools,
	DecisionSynthesis:      stateSynthesize,
	DecisionSimpleResponse: stateSimpleRespond,
	DecisionConversational: stateConverse,
	DecisionEnd:            stateEnd,
}

// ErrStreamConsumed is yielded when a Stream sequence is ranged over twice.
var ErrStreamConsumed = errors.New("turnflow: stream already consumed")

// Runner is the contract the outer layers (CLI, HTTP) consume. *Engine
// implements it; observer.ObservedEngine decorates it.
type Runner interface {
	Invoke(ctx context.Context, msgs []ChatMessage) (ChatMessage, error)
	ExecuteStream(ctx context.Context, msgs []ChatMessage, ch chan<- StreamEvent) (ChatMessage, error)
	Config() EngineConfig
}

// Engine runs one user turn through the bounded state machine
// Invoke → RouteDecision → {ExecuteTools → Invoke | Synthesize | SimpleRespond | Converse | End}.
// An Engine is safe for concurrent runs; each run gets its own RunState.
type Engine struct {
	cfg      EngineConfig
	provider Provider
	registry *Registry
	ctxmgr   *ContextManager
	router   *Router
	newStore func() ResultStore
	logger   *slog.Logger
	tracer   Tracer
}

// New creates an engine around provider and the capability registry. A nil
// registry means no tools.
func New(provider Provider, reg *Registry, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if reg == nil {
		reg = MustRegistry()
	}
	cfg := o.cfg
	cfg.Context = cfg.Context.withDefaults()
	if cfg.ModelLimit <= 0 {
		cfg.ModelLimit = cfg.Context.ModelLimit
	}
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	summarizer := o.summarizer
	if summarizer == nil {
		summarizer = provider
	}
	e := &Engine{
		cfg:      cfg,
		provider: provider,
		registry: reg,
		ctxmgr:   NewContextManager(cfg.Context, summarizer, logger).WithTracer(o.tracer),
		router: NewRouter(RouterConfig{
			MaxIterations:           cfg.MaxIterations,
			MaxToolForcing:          cfg.MaxToolForcing,
			RedundancyWindow:        cfg.RedundancyWindow,
			RedundancyTolerance:     cfg.RedundancyTolerance,
			ForcingIterationCeiling: cfg.ForcingIterationCeiling,
		}, reg, NewSynthesisValidator(cfg.MinConfidence)),
		newStore: o.newStore,
		logger:   logger,
		tracer:   o.tracer,
	}
	return e
}

// Config returns a read-only copy of the engine's configuration, including
// the bound tool definitions.
func (e *Engine) Config() EngineConfig {
	c := e.cfg
	c.Tools = e.registry.Definitions()
	return c
}

// Registry returns the capability registry the engine was built with.
func (e *Engine) Registry() *Registry { return e.registry }

// Invoke runs the turn to completion and returns the final assistant message.
func (e *Engine) Invoke(ctx context.Context, msgs []ChatMessage) (ChatMessage, error) {
	msg, _, err := e.run(ctx, msgs, nil)
	return msg, err
}

// ExecuteStream runs the turn, emitting events into ch as they happen: tool
// calls, route decisions and the final answer as text deltas. ch is closed
// exactly once when the run ends. A failed run ends with an EventError.
func (e *Engine) ExecuteStream(ctx context.Context, msgs []ChatMessage, ch chan<- StreamEvent) (ChatMessage, error) {
	defer close(ch)
	msg, _, err := e.run(ctx, msgs, ch)
	if err != nil && ctx.Err() == nil {
		emit(ctx, ch, StreamEvent{Type: EventError, Content: userVisibleError(err)})
	}
	return msg, err
}

// Stream runs the turn and yields the final answer's text chunks. The
// sequence is single-pass: ranging over it a second time yields
// ErrStreamConsumed. Breaking out of the loop cancels the run at its next
// suspension point.
func (e *Engine) Stream(ctx context.Context, msgs []ChatMessage) iter.Seq2[string, error] {
	return StreamText(ctx, e, msgs)
}

// StreamText adapts any Runner's event stream into a text sequence.
func StreamText(ctx context.Context, r Runner, msgs []ChatMessage) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch := make(chan StreamEvent, 64)
		errCh := make(chan error, 1)
		go func() {
			_, err := r.ExecuteStream(ctx, msgs, ch)
			errCh <- err
		}()

		stopped := false
		for ev := range ch {
			if stopped || ev.Type != EventTextDelta || ev.Content == "" {
				continue
			}
			if !yield(ev.Content, nil) {
				stopped = true
				cancel()
			}
		}
		if err := <-errCh; err != nil && !stopped {
			yield("", err)
		}
	}
}

// run is the state machine. The loop, not recursion, carries the Tools ↔
// Invoke cycle; visits to Invoke are capped at MaxIterations+1 regardless of
// what the router decides.
func (e *Engine) run(ctx context.Context, msgs []ChatMessage, ch chan<- StreamEvent) (ChatMessage, *RunState, error) {
	var store ResultStore
	if e.newStore != nil {
		store = e.newStore()
	}
	s := NewRunState(msgs, e.registry, store)
	if h, ok := PlanHintsFromContext(ctx); ok {
		s.Hints = h
	}
	ctx, span := startSpan(ctx, e.tracer, "engine.run", StringAttr("run_id", s.RunID))
	defer span.End()
	e.logger.Info("run started", "run_id", s.RunID, "messages", len(msgs), "tools", e.registry.Len())

	var final ChatMessage
	wantTools := false
	visits := 0
	next := stateInvoke
	for next != stateEnd {
		if err := ctx.Err(); err != nil {
			span.Error(err)
			return ChatMessage{}, s, err
		}
		switch next {
		case stateInvoke:
			if visits > e.cfg.MaxIterations {
				e.logger.Warn("iteration guard reached", "run_id", s.RunID, "visits", visits)
				next = stateSynthesize
				continue
			}
			visits++
			delta, err := e.invoke(ctx, s, wantTools)
			wantTools = false
			if err != nil {
				span.Error(err)
				e.logger.Error("run failed", "run_id", s.RunID, "iteration", s.IterationCount+1, "error", err)
				return ChatMessage{}, s, err
			}
			s.Apply(delta)
			next = stateRouteDecision

		case stateRouteDecision:
			res := e.router.Route(s)
			s.Apply(StateDelta{NeedsSynthesis: boolPtr(res.NeedsSynthesis)})
			e.logger.Info("route decided", "run_id", s.RunID, "iteration", s.IterationCount,
				"decision", res.Decision, "rule", res.Rule, "reason", res.Reason)
			span.Event("route", StringAttr("decision", string(res.Decision)), StringAttr("rule", res.Rule))
			emit(ctx, ch, StreamEvent{Type: EventRouteDecision, Name: res.Rule, Content: string(res.Decision)})
			next = decisionTargets[res.Decision]
			if next == stateEnd {
				final = lastAssistant(s.Messages)
				if final.Content != "" {
					emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: final.Content})
				}
			}

		case stateExecuteTools:
			last, _ := s.Last()
			if !last.HasToolCalls() {
				// Router wants tool work the model did not request: force it.
				wantTools = true
				next = stateInvoke
				continue
			}
			s.Apply(e.executeTools(ctx, s, last.ToolCalls, ch))
			next = stateInvoke

		case stateSynthesize, stateSimpleRespond, stateConverse:
			var delta StateDelta
			var err error
			switch next {
			case stateSynthesize:
				delta, err = e.synthesize(ctx, s, ch)
			case stateSimpleRespond:
				delta, err = e.simpleRespond(ctx, s, ch)
			default:
				delta, err = e.converse(ctx, s, ch)
			}
			if err != nil {
				span.Error(err)
				e.logger.Error("run failed", "run_id", s.RunID, "step", next.String(), "error", err)
				return ChatMessage{}, s, err
			}
			s.Apply(delta)
			final = delta.Messages[len(delta.Messages)-1]
			next = stateEnd
		}
	}
	span.SetAttr(IntAttr("iterations", s.IterationCount), IntAttr("tool_forcing", s.ToolForcingCount),
		BoolAttr("needs_synthesis", s.NeedsSynthesis))
	e.logger.Info("run finished", "run_id", s.RunID, "iterations", s.IterationCount,
		"tool_forcing", s.ToolForcingCount, "cached_results", s.Cache.Len())
	return final, s, nil
}

func lastAssistant(msgs []ChatMessage) ChatMessage {
	for _, m := range slices.Backward(msgs) {
		if m.Role == RoleAssistant {
			return m
		}
	}
	return AssistantMessage("")
}

// userVisibleError renders a run failure for the end user.
func userVisibleError(err error) string {
	if IsContextOverflow(err) {
		return "The conversation is too long for the model to process. Please start a new conversation or ask a shorter question."
	}
	return "Sorry, the request could not be completed: " + err.Error()
}
