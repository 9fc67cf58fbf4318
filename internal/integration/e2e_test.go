//go:build integration
// +build integration

package integration

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fnord/internal/adapter/llm"
	"fnord/internal/adapter/tool"
	"fnord/internal/domain"
	"fnord/internal/infra/config"
	"fnord/internal/security"
	"fnord/internal/usecase"
)

func liveEngine(t *testing.T, cfg *Config, workspace string) (*usecase.Engine, *tool.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	provider := llm.NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.Model,
	}, log)

	sandbox, err := security.NewSandbox(workspace)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	tools := tool.NewRegistry(log, tool.WithArgumentValidation())
	tools.MustRegister(
		tool.NewWorkspaceTool(tool.LocalFilesystemBackend{}, sandbox, log),
		tool.NewClockTool(time.Now, log),
	)

	counter := usecase.NewTokenCounter(cfg.Model)
	compactor := usecase.NewCompactor(usecase.CompactorDeps{
		Fast:       provider,
		Summarizer: usecase.NewSummarizer(provider, counter, cfg.Model, usecase.DefaultChunkTokens, log),
		Counter:    counter,
		Logger:     log,
	})

	return usecase.NewEngine(usecase.EngineDeps{
		LLM:            provider,
		Tools:          tools,
		Guard:          usecase.NewBudgetGuard(400_000, compactor, log),
		Retry:          usecase.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		Logger:         log,
		Model:          cfg.Model,
		RequestTimeout: cfg.TestTimeout,
	}), tools
}

func TestE2E_WorkspaceWriteWithRealLLM(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")

	ctx := NewTestContext(t, cfg.TestTimeout)
	workspace := t.TempDir()
	engine, tools := liveEngine(t, cfg, workspace)

	result, err := engine.Run(ctx, domain.CompletionRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You can read and write files with the workspace tool."},
			{Role: domain.RoleUser, Content: "Create a file called test.txt with content 'integration test'"},
		},
		Tools: tools.Schemas(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	t.Logf("response: %s (rounds=%d tokens=%d)", result.Text, result.Rounds, result.Usage.TotalTokens)

	content, err := os.ReadFile(filepath.Join(workspace, "test.txt"))
	if err != nil {
		t.Fatalf("test.txt was not created: %v", err)
	}
	if string(content) != "integration test" {
		t.Errorf("file content incorrect: %q", string(content))
	}
}

func TestE2E_StreamingWithRealLLM(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")

	ctx := NewTestContext(t, cfg.TestTimeout)
	engine, tools := liveEngine(t, cfg, t.TempDir())

	var streamed strings.Builder
	result, err := engine.Run(ctx, domain.CompletionRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "What weekday is it in UTC? Use the clock tool."}},
		Tools:    tools.Schemas(),
		Options: domain.CompletionOptions{
			Stream: true,
			Progress: func(ev domain.ProgressEvent) {
				if ev.Type == domain.EventContentDelta {
					streamed.WriteString(ev.Content)
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Rounds == 0 {
		t.Error("expected the model to call the clock tool")
	}
	weekday := time.Now().UTC().Weekday().String()
	if !strings.Contains(result.Text, weekday) {
		t.Errorf("expected %s in response, got %q", weekday, result.Text)
	}
	if !strings.Contains(streamed.String(), result.Text) {
		t.Errorf("final text was not streamed: %q", streamed.String())
	}
}

func TestE2E_CompactionWithRealLLM(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")
	if cfg.SkipSlow {
		t.Skip("Skipping slow test")
	}

	ctx := NewTestContext(t, 2*cfg.TestTimeout)
	log := slog.New(slog.DiscardHandler)
	provider := llm.NewOpenAIProvider(config.ProviderConfig{
		Name: "openai", BaseURL: cfg.BaseURL, APIKey: cfg.OpenAIKey, Model: cfg.Model,
	}, log)
	counter := usecase.NewTokenCounter(cfg.Model)
	compactor := usecase.NewCompactor(usecase.CompactorDeps{
		Fast:       provider,
		Summarizer: usecase.NewSummarizer(provider, counter, cfg.Model, usecase.DefaultChunkTokens, log),
		Counter:    counter,
		Logger:     log,
	})

	filler := strings.Repeat("Well, so, basically, as I was saying before, the config lives in /etc/app/config.yaml. ", 40)
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "You are a helpful assistant."},
		{Role: domain.RoleUser, Content: filler},
		{Role: domain.RoleAssistant, Content: filler},
		{Role: domain.RoleUser, Content: "Where is the config?"},
	}
	out, err := compactor.Compact(ctx, msgs)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	before, after := domain.SerializedSize(msgs), domain.SerializedSize(out)
	t.Logf("compacted %d -> %d bytes", before, after)
	if after >= before {
		t.Errorf("expected a smaller transcript")
	}
	if out[len(out)-1].Content != "Where is the config?" {
		t.Errorf("last user message must be retained verbatim")
	}
}
