package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")
	AttrToolChoice  = attribute.Key("llm.tool_choice")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrToolNames    = attribute.Key("llm.tool_names")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrCapabilityName     = attribute.Key("capability.name")
	AttrCapabilityCategory = attribute.Key("capability.category")
	AttrCapabilityStatus   = attribute.Key("capability.status")
	AttrResultLength       = attribute.Key("capability.result_length")

	AttrRunStatus     = attribute.Key("run.status")
	AttrRouteDecision = attribute.Key("route.decision")
	AttrRouteRule     = attribute.Key("route.rule")
	AttrToolCalls     = attribute.Key("run.tool_calls")
	AttrCachedResults = attribute.Key("run.cached_results")
)
