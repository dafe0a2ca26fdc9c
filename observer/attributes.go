package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput      = attribute.Key("llm.tokens.input")
	AttrTokensOutput     = attribute.Key("llm.tokens.output")
	AttrTokensCacheWrite = attribute.Key("llm.tokens.cache_write")
	AttrTokensCacheRead  = attribute.Key("llm.tokens.cache_read")
	AttrCostUSD          = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrRunSession = attribute.Key("run.session_id")
	AttrRunStop    = attribute.Key("run.stop_reason")
	AttrRunTurns   = attribute.Key("run.turns")
)
