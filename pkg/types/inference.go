package types

type PromptType string

const (
	PromptTypeGeneral       PromptType = "general"
	PromptTypeCode          PromptType = "code"
	PromptTypeDocumentation PromptType = "documentation"
	PromptTypePattern       PromptType = "pattern"
)

type FinishReason string

const (
	FinishReasonComplete  FinishReason = "complete"
	FinishReasonMaxTokens FinishReason = "max_tokens"
	FinishReasonStop      FinishReason = "stop"
	FinishReasonTimeout   FinishReason = "timeout"
	FinishReasonError     FinishReason = "error"
)

// InferenceRequest is a single model-inference request as accepted by the
// dispatcher. RequestID is assigned when the caller leaves it empty.
type InferenceRequest struct {
	RequestID      string     `json:"request_id,omitempty"`
	ModelID        string     `json:"model_id"`
	Prompt         string     `json:"prompt"`
	SystemPrompt   string     `json:"system_prompt,omitempty"`
	Temperature    float64    `json:"temperature"`
	TopP           float64    `json:"top_p,omitempty"`
	MaxTokens      int        `json:"max_tokens"`
	StopSequences  []string   `json:"stop_sequences,omitempty"`
	ContextLength  int        `json:"context_length,omitempty"`
	TimeoutMs      int        `json:"timeout_ms,omitempty"`
	PreferredGpuID *int       `json:"preferred_gpu_id,omitempty"`
	PromptType     PromptType `json:"prompt_type,omitempty"`
}

// InferenceResponse is the dispatcher's response envelope. On degraded
// outcomes the envelope is preserved with FinishReason timeout or error and a
// non-empty Diagnostic instead of surfacing a raw error.
type InferenceResponse struct {
	Text             string       `json:"text"`
	ModelID          string       `json:"model_id"`
	InstanceID       string       `json:"instance_id"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	LatencyMs        int64        `json:"latency_ms"`
	FinishReason     FinishReason `json:"finish_reason"`
	Confidence       float64      `json:"confidence"`
	Diagnostic       string       `json:"diagnostic,omitempty"`
	Cached           bool         `json:"cached,omitempty"`
}

// StreamChunk is one unit of a streaming response. The terminal chunk has
// Done set and carries the token counts and finish reason for the whole
// generation.
type StreamChunk struct {
	Text             string       `json:"text"`
	Done             bool         `json:"done"`
	PromptTokens     int          `json:"prompt_tokens,omitempty"`
	CompletionTokens int          `json:"completion_tokens,omitempty"`
	FinishReason     FinishReason `json:"finish_reason,omitempty"`
}
