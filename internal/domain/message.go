package domain

import (
	"encoding/json"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by the completion API.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message represents a single message in a conversation.
//
// Content is empty for assistant messages that only request tool calls.
// ToolCallID and Name are set on tool messages and correlate the output
// back to the originating call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"-"`
}

// IsInstruction reports whether the message only carries instructions
// (system or developer prompts) rather than dialogue.
func (m Message) IsInstruction() bool {
	return m.Role == RoleSystem || m.Role == RoleDeveloper
}

// SerializedSize returns the byte length of the JSON encoding of msgs.
// This is the size the context budget is measured against.
func SerializedSize(msgs []Message) int {
	data, err := json.Marshal(msgs)
	if err != nil {
		return 0
	}
	return len(data)
}

// CloneMessages returns a copy of msgs that shares no slice storage with
// the input.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			m.ToolCalls = calls
		}
		out[i] = m
	}
	return out
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Message      Message   `json:"message"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	CreatedAt    time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// CompletionOptions tune a single Run.
type CompletionOptions struct {
	// Stream selects the streaming transport when the provider supports it.
	Stream      bool
	MaxTokens   int
	Temperature float64
	// Progress is invoked on notable engine transitions. May be nil.
	Progress ProgressFunc
}

// CompletionRequest is the immutable input to the completion engine.
type CompletionRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
	Options  CompletionOptions
}

// CompletionResult is returned once the engine reaches its terminal state.
type CompletionResult struct {
	RunID    string
	Text     string
	Messages []Message
	Usage    Usage
	// Rounds is the number of tool dispatch rounds performed.
	Rounds int
	// Retries is the number of transport retries performed.
	Retries int
}
