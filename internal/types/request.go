package types

import "time"

// SamplingParams are the generation parameters forwarded to a provider.
type SamplingParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Request is a normalized completion request submitted to the gateway.
// A request is immutable once submitted; the gateway replaces the message
// list with a context-optimized copy rather than mutating it.
type Request struct {
	ID          string    `json:"id"`
	Messages    []Message `json:"messages"`
	TaskType    TaskType  `json:"task_type"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`

	// Provider and Model are optional explicit routing preferences.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

// Usage holds the token accounting for one completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the gateway's answer to a request. Built once, never mutated.
type Response struct {
	ID           string         `json:"id"`
	Text         string         `json:"text"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Usage        Usage          `json:"usage"`
	Cost         float64        `json:"cost"`
	Latency      time.Duration  `json:"latency"`
	QualityScore float64        `json:"quality_score,omitempty"`
	Cached       bool           `json:"cached"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
