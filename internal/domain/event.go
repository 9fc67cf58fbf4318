package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRunStarted          EventType = "run.started"
	EventRunCompleted        EventType = "run.completed"
	EventRunFailed           EventType = "run.failed"
	EventContentDelta        EventType = "stream.delta"
	EventToolCallIdentified  EventType = "tool.call.identified"
	EventToolCallStarted     EventType = "tool.call.started"
	EventToolCallCompleted   EventType = "tool.call.completed"
	EventRetry               EventType = "llm.retry"
	EventCompactionTriggered EventType = "compaction.triggered"
	EventCompactionCompleted EventType = "compaction.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ProgressEvent is handed to a caller-supplied ProgressFunc on notable
// engine transitions. Only the fields relevant to Type are set.
type ProgressEvent struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"run_id,omitempty"`
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Delay    string    `json:"delay,omitempty"`
	Error    string    `json:"error,omitempty"`
	Size     int       `json:"size,omitempty"`
}

// ProgressFunc receives progress events. Calls are serialized, but tool
// events arrive on dispatch pool workers rather than the caller's goroutine.
type ProgressFunc func(ProgressEvent)
