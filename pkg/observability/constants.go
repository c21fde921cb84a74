package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrThreadID       = "thread.id"
	AttrDirectiveID    = "directive.id"
	AttrToolName       = "tool.name"
	AttrLLMModel       = "llm.model"
	AttrLLMTokensInput = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType      = "error.type"
	AttrStatusCode     = "http.status_code"

	SpanThreadTurn    = "thread.turn"
	SpanLLMRequest    = "thread.llm_request"
	SpanToolExecution = "thread.tool_execution"
	SpanManifestLoad  = "thread.manifest_load"

	DefaultServiceName = "kiwid"
	DefaultMetricsPath = "/metrics"
)
