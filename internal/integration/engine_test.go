package integration

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fnord/internal/adapter/llm"
	"fnord/internal/adapter/tool"
	"fnord/internal/domain"
	"fnord/internal/infra/config"
	"fnord/internal/security"
	"fnord/internal/usecase"
	"fnord/internal/usecase/eventbus"
)

// stack is the production wiring pointed at a scripted server.
type stack struct {
	llm       *ScriptedLLM
	workspace string
	tools     *tool.Registry
	bus       *eventbus.Bus
	engine    *usecase.Engine
}

type stackOptions struct {
	budget   int
	approver domain.ToolApprover
}

func newStack(t *testing.T, script *ScriptedLLM, opts stackOptions) *stack {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	var provider domain.LLMProvider = llm.NewOpenAIProvider(config.ProviderConfig{
		Name:    "scripted",
		BaseURL: script.URL(),
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, log)
	provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{MaxFailures: 5}, log)
	provider = llm.NewRateLimitedProvider(provider, 1000, 100, log)

	workspace := t.TempDir()
	sandbox, err := security.NewSandbox(workspace)
	require.NoError(t, err)
	tools := tool.NewRegistry(log, tool.WithArgumentValidation())
	tools.MustRegister(
		tool.WithOutputLimit(tool.NewWorkspaceTool(tool.LocalFilesystemBackend{}, sandbox, log), 4096),
		tool.NewClockTool(func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }, log),
	)

	counter := usecase.NewTokenCounter("gpt-4o-mini")
	compactor := usecase.NewCompactor(usecase.CompactorDeps{
		Fast:       provider,
		Summarizer: usecase.NewSummarizer(provider, counter, "gpt-4o-mini", usecase.DefaultChunkTokens, log),
		Counter:    counter,
		Options:    usecase.CompactionOptions{MinSummaryTokens: 0},
		Logger:     log,
	})

	budget := opts.budget
	if budget == 0 {
		budget = 400_000
	}
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	engine := usecase.NewEngine(usecase.EngineDeps{
		LLM:      provider,
		Tools:    tools,
		Guard:    usecase.NewBudgetGuard(budget, compactor, log),
		Approver: opts.approver,
		Bus:      bus,
		Retry: usecase.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			NoJitter:    true,
		},
		Logger:         log,
		Model:          "gpt-4o-mini",
		RequestTimeout: 10 * time.Second,
		ToolTimeout:    5 * time.Second,
	})

	return &stack{llm: script, workspace: workspace, tools: tools, bus: bus, engine: engine}
}

type progressLog struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *progressLog) record(ev domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *progressLog) ofType(t domain.EventType) []domain.ProgressEvent {
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

func userTurn(text string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: text}}
}

func TestStreamingToolRoundTrip(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{
			Content: "Writing it now.",
			ToolCalls: []ScriptedCall{
				{ID: "call_w", Name: "workspace", Arguments: `{"action":"write","path":"notes.txt","content":"hello"}`},
				{ID: "call_c", Name: "clock", Arguments: `{"timezone":"UTC"}`},
			},
		},
		Reply{Content: "Saved notes.txt on a Saturday."},
	)
	s := newStack(t, script, stackOptions{})

	var progress progressLog
	result, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{
		Messages: userTurn("save hello to notes.txt and tell me the weekday"),
		Tools:    s.tools.Schemas(),
		Options:  domain.CompletionOptions{Stream: true, Progress: progress.record},
	})
	require.NoError(t, err)

	assert.Equal(t, "Saved notes.txt on a Saturday.", result.Text)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 30, result.Usage.TotalTokens)

	data, err := os.ReadFile(filepath.Join(s.workspace, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	reqs := script.Requests(KindConversation)
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Stream)
	assert.Equal(t, []string{"clock", "workspace"}, reqs[0].Tools)

	// Each call is echoed in its own assistant message followed by its
	// result, in call order regardless of completion order.
	var results []RecordedMessage
	for _, m := range reqs[1].Messages {
		if m.Role == "tool" {
			results = append(results, m)
		}
	}
	require.Len(t, reqs[1].Messages, 5)
	require.Len(t, results, 2)
	wsResult, clockResult := results[0], results[1]
	assert.Equal(t, "tool", reqs[1].Messages[2].Role)
	assert.Equal(t, "call_w", wsResult.ToolCallID)
	assert.Contains(t, wsResult.Content, "wrote 5 bytes to notes.txt")
	assert.Equal(t, "call_c", clockResult.ToolCallID)
	assert.Contains(t, clockResult.Content, `"weekday": "Saturday"`)

	var streamed strings.Builder
	for _, ev := range progress.ofType(domain.EventContentDelta) {
		streamed.WriteString(ev.Content)
	}
	assert.Equal(t, "Writing it now.Saved notes.txt on a Saturday.", streamed.String())
	assert.Len(t, progress.ofType(domain.EventToolCallIdentified), 2)
	assert.Len(t, progress.ofType(domain.EventToolCallCompleted), 2)
}

func TestRetryAfterServerError(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{Status: 503, Body: `{"error":{"message":"overloaded"}}`},
		Reply{Content: "recovered"},
	)
	s := newStack(t, script, stackOptions{})

	var progress progressLog
	result, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{
		Messages: userTurn("hi"),
		Options:  domain.CompletionOptions{Progress: progress.record},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 1, result.Retries)
	require.Len(t, progress.ofType(domain.EventRetry), 1)
	assert.Equal(t, 1, progress.ofType(domain.EventRetry)[0].Attempt)
}

func TestRetriesExhausted(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{Status: 502, Body: "bad gateway"},
		Reply{Status: 502, Body: "bad gateway"},
		Reply{Status: 502, Body: "bad gateway"},
	)
	s := newStack(t, script, stackOptions{})

	_, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{Messages: userTurn("hi")})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransientTransport, domain.KindOf(err))
	assert.True(t, errors.Is(err, domain.ErrServerError))
	assert.Zero(t, script.Remaining())
}

func TestRateLimitFailsFast(t *testing.T) {
	script := NewScriptedLLM(t, Reply{Status: 429, Body: "slow down"})
	s := newStack(t, script, stackOptions{})

	_, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{Messages: userTurn("hi")})
	require.Error(t, err)
	assert.Equal(t, domain.KindFatalAPI, domain.KindOf(err))
	assert.True(t, errors.Is(err, domain.ErrRateLimit))
}

func longText(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestOverflowForcesTersify(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{Status: 400, Body: `{"error":{"code":"context_length_exceeded","message":"maximum context length is 8192 tokens"}}`},
		Reply{Content: "fits now"},
	)
	s := newStack(t, script, stackOptions{})

	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleUser, Content: longText("alpha", 400)},
		{Role: domain.RoleAssistant, Content: longText("beta", 400)},
		{Role: domain.RoleUser, Content: "and now?"},
	}
	var progress progressLog
	result, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{
		Messages: msgs,
		Options:  domain.CompletionOptions{Progress: progress.record},
	})
	require.NoError(t, err)
	assert.Equal(t, "fits now", result.Text)

	assert.Len(t, script.Requests(KindTersify), 2)
	assert.Empty(t, script.Requests(KindSummarize))

	reqs := script.Requests(KindConversation)
	require.Len(t, reqs, 2)
	resent := reqs[1].Messages
	require.Len(t, resent, 4)
	assert.Equal(t, "Be brief.", resent[0].Content)
	assert.Equal(t, "alpha", resent[1].Content)
	assert.Equal(t, "beta", resent[2].Content)
	assert.Equal(t, "and now?", resent[3].Content)

	assert.Len(t, progress.ofType(domain.EventCompactionTriggered), 1)
	assert.Len(t, progress.ofType(domain.EventCompactionCompleted), 1)
}

func TestBudgetGuardSummarizes(t *testing.T) {
	script := NewScriptedLLM(t, Reply{Content: "continuing"})
	script.Rewrite = func(text string) string { return text }
	s := newStack(t, script, stackOptions{budget: 2000})

	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleUser, Content: longText("alpha", 300)},
		{Role: domain.RoleAssistant, Content: longText("beta", 300)},
		{Role: domain.RoleUser, Content: "continue"},
	}
	result, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "continuing", result.Text)
	require.NotEmpty(t, script.Requests(KindSummarize))

	reqs := script.Requests(KindConversation)
	require.Len(t, reqs, 1)
	sent := reqs[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "Be brief.", sent[0].Content)
	assert.Contains(t, sent[1].Content, script.Summary)
	assert.Equal(t, "continue", sent[2].Content)
}

func TestDeniedToolReportedToModel(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{ToolCalls: []ScriptedCall{{ID: "call_1", Name: "workspace", Arguments: `{"action":"write","path":"x.txt","content":"x"}`}}},
		Reply{Content: "I was not allowed to write."},
	)
	approver := usecase.NewConfigApprover([]string{"clock"}, []string{"workspace"}, false)
	s := newStack(t, script, stackOptions{approver: approver})

	result, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{
		Messages: userTurn("write x.txt"),
		Tools:    s.tools.Schemas(),
	})
	require.NoError(t, err)
	assert.Equal(t, "I was not allowed to write.", result.Text)

	_, statErr := os.Stat(filepath.Join(s.workspace, "x.txt"))
	assert.True(t, os.IsNotExist(statErr))

	reqs := script.Requests(KindConversation)
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Contains(t, last.Content, "tool approval denied")
}

func TestInvalidArgumentsReportedToModel(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{ToolCalls: []ScriptedCall{{ID: "call_1", Name: "workspace", Arguments: `{"action":"read","bogus":1}`}}},
		Reply{Content: "retrying differently"},
	)
	s := newStack(t, script, stackOptions{})

	_, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{
		Messages: userTurn("read"),
		Tools:    s.tools.Schemas(),
	})
	require.NoError(t, err)

	reqs := script.Requests(KindConversation)
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "invalid arguments")
}

func TestToolCallWithoutToolsIsProtocolViolation(t *testing.T) {
	script := NewScriptedLLM(t,
		Reply{ToolCalls: []ScriptedCall{{ID: "call_1", Name: "clock", Arguments: `{}`}}},
	)
	s := newStack(t, script, stackOptions{})

	_, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{Messages: userTurn("time?")})
	require.Error(t, err)
	assert.Equal(t, domain.KindProtocolViolation, domain.KindOf(err))
}

func TestRunEventsPublished(t *testing.T) {
	script := NewScriptedLLM(t, Reply{Content: "hi"})
	s := newStack(t, script, stackOptions{})

	var mu sync.Mutex
	var seen []domain.EventType
	s.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})

	_, err := s.engine.Run(NewTestContext(t, 10*time.Second), domain.CompletionRequest{Messages: userTurn("hi")})
	require.NoError(t, err)
	s.bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, domain.EventRunStarted, seen[0])
	assert.Equal(t, domain.EventRunCompleted, seen[len(seen)-1])
}
