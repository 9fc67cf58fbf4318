package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"fnord/internal/domain"
)

// --- Mocks ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// llmStep is one scripted reply. Exactly one of resp, err or fn is used.
type llmStep struct {
	resp *domain.ChatResponse
	err  error
	fn   func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// scriptedLLM replays steps in order and records every request.
type scriptedLLM struct {
	mu       sync.Mutex
	steps    []llmStep
	requests []domain.ChatRequest
}

func (m *scriptedLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	req.Messages = domain.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	if idx >= len(m.steps) {
		m.mu.Unlock()
		return stopResponse("fallback"), nil
	}
	step := m.steps[idx]
	m.mu.Unlock()

	switch {
	case step.fn != nil:
		return step.fn(ctx, req)
	case step.err != nil:
		return nil, step.err
	default:
		resp := *step.resp
		resp.Message.ToolCalls = append([]domain.ToolCall(nil), step.resp.Message.ToolCalls...)
		return &resp, nil
	}
}

func (m *scriptedLLM) Name() string { return "scripted" }

func (m *scriptedLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedLLM) Request(i int) domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// scriptedStreamLLM replays one delta sequence per ChatStream call.
type scriptedStreamLLM struct {
	scriptedLLM
	streams [][]domain.StreamDelta
}

func (m *scriptedStreamLLM) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	req.Messages = domain.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	m.mu.Unlock()

	if idx >= len(m.streams) {
		return nil, fmt.Errorf("no stream scripted for call %d", idx)
	}
	ch := make(chan domain.StreamDelta, len(m.streams[idx]))
	for _, d := range m.streams[idx] {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// funcLLM answers every request with fn and counts calls.
type funcLLM struct {
	mu    sync.Mutex
	calls int
	reqs  []domain.ChatRequest
	fn    func(req domain.ChatRequest) (string, error)
}

func (m *funcLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	text, err := m.fn(req)
	if err != nil {
		return nil, err
	}
	return stopResponse(text), nil
}

func (m *funcLLM) Name() string { return "func" }

func (m *funcLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func stopResponse(text string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: text},
		FinishReason: domain.FinishStop,
		Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallsResponse(content string, calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: content, ToolCalls: calls},
		FinishReason: domain.FinishToolCalls,
		Usage:        domain.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
}

func newCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type mockToolExecutor struct {
	tools   map[string]domain.Tool
	schemas []domain.ToolSchema
}

func newMockToolExecutor(tools ...domain.Tool) *mockToolExecutor {
	m := &mockToolExecutor{tools: make(map[string]domain.Tool)}
	for _, t := range tools {
		m.tools[t.Name()] = t
		m.schemas = append(m.schemas, t.Schema())
	}
	return m
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.ErrToolNotFound
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema { return m.schemas }

type staticTool struct {
	name   string
	result string
	delay  time.Duration
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *staticTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &domain.ToolResult{Content: t.result}, nil
}

type errorTool struct {
	name string
}

func (t *errorTool) Name() string        { return t.name }
func (t *errorTool) Description() string { return "error test tool" }
func (t *errorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name}
}
func (t *errorTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return nil, fmt.Errorf("tool execution failed")
}

type panicTool struct {
	name string
}

func (t *panicTool) Name() string        { return t.name }
func (t *panicTool) Description() string { return "panicking test tool" }
func (t *panicTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name}
}
func (t *panicTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	panic("boom")
}

// echoArgsTool returns its raw arguments.
type echoArgsTool struct {
	name string
}

func (t *echoArgsTool) Name() string        { return t.name }
func (t *echoArgsTool) Description() string { return "echoes arguments" }
func (t *echoArgsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name}
}
func (t *echoArgsTool) Execute(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	return &domain.ToolResult{Content: string(args)}, nil
}

// charTokenCounter estimates one token per four bytes.
type charTokenCounter struct{}

func (charTokenCounter) CountText(text string) int { return len(text) / 4 }
func (charTokenCounter) CountMessages(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content) / 4
	}
	return n
}

// recordingBus is a synchronous EventBus that keeps every event.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// progressRecorder collects progress events.
type progressRecorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *progressRecorder) Func() domain.ProgressFunc {
	return func(ev domain.ProgressEvent) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.events = append(p.events, ev)
	}
}

func (p *progressRecorder) OfType(t domain.EventType) []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeCompactor returns a fixed transcript or error and counts calls.
type fakeCompactor struct {
	mu    sync.Mutex
	calls int
	fn    func(msgs []domain.Message) ([]domain.Message, error)
}

func (f *fakeCompactor) Compact(_ context.Context, msgs []domain.Message) ([]domain.Message, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(msgs)
}

func (f *fakeCompactor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
