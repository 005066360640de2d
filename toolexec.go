package turnflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxParallelDispatch caps the worker goroutines of one tool batch.
const maxParallelDispatch = 10

const errorPrefix = "error: "

// isErrorResult reports whether a tool message carries an error instead of a result.
func isErrorResult(content string) bool {
	return strings.HasPrefix(content, errorPrefix)
}

// toolExecResult is the outcome of one executed call.
type toolExecResult struct {
	content  string
	isError  bool
	duration time.Duration
}

// indexedResult pairs a result with its position in the call slice.
type indexedResult struct {
	idx    int
	result toolExecResult
}

// dispatchFunc executes one call. The engine's implementation validates and
// invokes through the registry.
type dispatchFunc func(ctx context.Context, tc ToolCall) toolExecResult

// safeDispatch converts a panicking capability into an error result.
func safeDispatch(ctx context.Context, tc ToolCall, dispatch dispatchFunc) (res toolExecResult) {
	defer func() {
		if p := recover(); p != nil {
			res = toolExecResult{content: fmt.Sprintf("%stool %q panic: %v", errorPrefix, tc.Name, p), isError: true}
		}
	}()
	return dispatch(ctx, tc)
}

// dispatchParallel runs calls on a fixed pool of min(len(calls),
// maxParallelDispatch) workers and returns results in call order. Single
// calls run inline. If ctx is cancelled while calls are in flight, the
// unfinished ones get context-error results instead of blocking.
func dispatchParallel(ctx context.Context, calls []ToolCall, dispatch dispatchFunc) []toolExecResult {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		start := time.Now()
		r := safeDispatch(ctx, calls[0], dispatch)
		r.duration = time.Since(start)
		return []toolExecResult{r}
	}

	resultCh := make(chan indexedResult, len(calls))
	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: errorPrefix + ctx.Err().Error(), isError: true}}
					continue
				}
				start := time.Now()
				r := safeDispatch(ctx, w.tc, dispatch)
				r.duration = time.Since(start)
				resultCh <- indexedResult{w.idx, r}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := toolExecResult{content: errorPrefix + ctx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = toolExecResult{content: errorPrefix + "result not received", isError: true}
		}
	}
	return results
}

// executeTools runs the tool calls of the latest assistant message:
// in-batch duplicates share the first call's result, cached keys are served
// without invocation, the rest run in parallel. Every requested call gets
// exactly one tool message, in request order.
func (e *Engine) executeTools(ctx context.Context, s *RunState, calls []ToolCall, ch chan<- StreamEvent) StateDelta {
	ctx, span := startSpan(ctx, e.tracer, "engine.execute_tools",
		IntAttr("iteration", s.IterationCount), IntAttr("calls", len(calls)))
	defer span.End()
	ctx = withRunInfo(ctx, RunInfo{RunID: s.RunID, Iteration: s.IterationCount})

	keys := make([]string, len(calls))
	contents := make([]string, len(calls))
	cached := make([]bool, len(calls))
	firstByKey := make(map[string]int, len(calls))
	var toRun []ToolCall
	var toRunIdx []int

	for i, tc := range calls {
		keys[i] = e.registry.CacheKey(tc)
		if _, dup := firstByKey[keys[i]]; dup {
			continue
		}
		firstByKey[keys[i]] = i
		if v, ok := s.Cache.Get(keys[i]); ok {
			contents[i] = v
			cached[i] = true
			continue
		}
		emit(ctx, ch, StreamEvent{Type: EventToolCallStart, ID: tc.ID, Name: tc.Name, Args: tc.Args})
		toRun = append(toRun, tc)
		toRunIdx = append(toRunIdx, i)
	}

	results := dispatchParallel(ctx, toRun, e.dispatch)
	for j, r := range results {
		i := toRunIdx[j]
		tc := calls[i]
		contents[i] = r.content
		if !r.isError {
			s.Cache.Put(keys[i], r.content)
		}
		s.Progress.Record(e.registry.CategoryOf(tc.Name), tc.Args, r.content, r.isError)
		e.logger.Info("tool executed", "run_id", s.RunID, "tool", tc.Name, "cache_hit", false,
			"error", r.isError, "duration", r.duration)
	}

	msgs := make([]ChatMessage, len(calls))
	hits := 0
	for i, tc := range calls {
		first := firstByKey[keys[i]]
		content := contents[first]
		isCached := cached[first]
		if first != i {
			isCached = true
		}
		if isCached {
			hits++
			e.logger.Debug("tool result reused", "run_id", s.RunID, "tool", tc.Name, "cache_hit", true, "key", keys[i])
		}
		msgs[i] = ToolResultMessage(tc.ID, tc.Name, content)
		emit(ctx, ch, StreamEvent{Type: EventToolCallResult, ID: tc.ID, Name: tc.Name, Content: content, Cached: isCached})
	}
	span.SetAttr(IntAttr("executed", len(toRun)), IntAttr("reused", hits))
	return StateDelta{Messages: msgs}
}

// dispatch validates and invokes one call through the registry.
func (e *Engine) dispatch(ctx context.Context, tc ToolCall) toolExecResult {
	out, err := e.registry.Call(ctx, tc)
	if err != nil {
		e.logger.Warn("tool failed", "tool", tc.Name, "error", err)
		return toolExecResult{content: errorPrefix + err.Error(), isError: true}
	}
	return toolExecResult{content: out}
}

// emit sends ev on ch unless ch is nil or ctx is done.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
