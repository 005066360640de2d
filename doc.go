// Package turnflow is a single-turn orchestration engine for tool-using LLM agents.
//
// Given a user message, an [Engine] repeatedly invokes a [Provider], executes
// the capabilities the model requests, folds their results back into the
// transcript and produces one answer through one of three response strategies:
// synthesis (a cited, sectioned report), simple response (results presented
// as-is) or conversational (persona only).
//
// # Quick Start
//
//	llm := turnflow.WithRetry(openaicompat.NewProvider(apiKey, "gpt-4o-mini", "https://api.openai.com/v1"))
//
//	reg, err := turnflow.NewRegistry(
//		turnflow.Capability{
//			Name:      "list_files",
//			Schema:    json.RawMessage(`{"type":"object","properties":{"page_size":{"type":"integer"}}}`),
//			Category:  turnflow.CategoryEnumerate,
//			Canonical: turnflow.ConstantKey(),
//			Invoke:    listFiles,
//		},
//	)
//
//	engine := turnflow.New(llm, reg, turnflow.WithLogger(slog.Default()))
//	answer, err := engine.Invoke(ctx, []turnflow.ChatMessage{turnflow.UserMessage("list the available files")})
//
// # Run model
//
// A run is a bounded state machine:
//
//	Invoke → RouteDecision → ExecuteTools → Invoke → ...
//	                       → Synthesize | SimpleRespond | Converse | End
//
// The [Router] decides after every invocation using ordered, named rules:
// circuit breaker, redundancy breaker, pending tool calls, final content,
// tool results, tool intent and conversational. The iteration and forcing
// ceilings are the only liveness guarantee; the loop also refuses to visit
// Invoke more than MaxIterations+1 times.
//
// Per run, a [ResultStore] caches tool results by canonical key (see
// [Canonicalizer]) and a [WorkflowProgress] tracks enumerate-then-fetch and
// search-then-extract sequences. Both are created fresh by [NewRunState].
//
// # Core Interfaces
//
//   - [Provider]: inference backend (chat with tool choice, streaming)
//   - [Capability] / [Registry]: schema-validated tools, compiled once
//   - [Tool]: multi-function tool adapter ([CapabilitiesFromTool])
//   - [ResultStore]: run-scoped result cache (in memory, or durable via store/sqlite and store/postgres)
//   - [Tracer] / [Span]: tracing hooks, implemented by the observer package
//
// # Provider decorators
//
//   - [WithRetry]: retries 429/503 with backoff and Retry-After
//   - [WithRateLimit]: RPM/TPM token buckets
package turnflow
