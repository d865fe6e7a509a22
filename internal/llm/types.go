// Package llm provides the model client facade: streaming and
// non-streaming completion against Anthropic-style and OpenAI-compatible
// providers, behind one narrow interface.
package llm

import (
	"context"
)

// Message is one conversation turn with role user or assistant; adjacent
// turns may share a role. The system prompt travels separately on the
// request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest contains the parameters for one completion.
type CompletionRequest struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse is the model's aggregated response.
type CompletionResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// StreamCallbacks receives incremental output during StreamComplete.
type StreamCallbacks struct {
	// OnToken is invoked for each content delta in arrival order.
	OnToken func(token string)
}

// Client is any LLM provider. Cancellation propagates through ctx into the
// underlying HTTP request and stream read.
type Client interface {
	// Complete sends messages and returns a response (non-streaming).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamComplete streams tokens through callbacks while building the
	// final aggregated response.
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)

	// Model returns the model identifier.
	Model() string
}
