package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
//
// A delta with a non-empty FinishReason is terminal. A delta with Err set
// reports a transport failure after the stream was opened.
type StreamDelta struct {
	Content      string             `json:"content,omitempty"`
	ToolCalls    []ToolCallFragment `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Usage        *Usage             `json:"usage,omitempty"`
	Err          error              `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	// The channel is closed after the terminal delta or on failure.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// TokenCounter estimates token counts for budget decisions.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(msgs []Message) int
}
