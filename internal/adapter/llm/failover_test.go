package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fnord/internal/domain"
)

func TestFailoverPrimarySucceeds(t *testing.T) {
	primary := &stubProvider{name: "a"}
	fallback := &stubProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, newTestLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "from a" || fallback.calls.Load() != 0 {
		t.Errorf("primary should answer alone: %q, fallback calls %d", resp.Message.Content, fallback.calls.Load())
	}
	if f.Name() != "a+failover" {
		t.Errorf("name = %q", f.Name())
	}
}

func TestFailoverFallsBack(t *testing.T) {
	primary := &stubProvider{name: "a", err: domain.ErrServerError}
	fallback := &stubProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, newTestLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "from b" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestFailoverAllFailJoinsErrors(t *testing.T) {
	primary := &stubProvider{name: "a", err: domain.ErrServerError}
	fallback := &stubProvider{name: "b", err: domain.ErrRateLimit}
	f := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, newTestLogger())

	_, err := f.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrServerError) || !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("joined error should match both causes: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "all providers failed") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestFailoverStopsOnCancel(t *testing.T) {
	primary := &stubProvider{name: "a"}
	fallback := &stubProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Chat(ctx, domain.ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if fallback.calls.Load() != 0 {
		t.Errorf("fallback should not run after cancel, calls = %d", fallback.calls.Load())
	}
}

func TestFailoverStreamSkipsSyncOnly(t *testing.T) {
	primary := syncOnlyProvider{stub: &stubProvider{name: "a"}}
	fallback := &stubProvider{name: "b"}
	f := NewFailoverProvider(primary, []domain.LLMProvider{fallback}, newTestLogger())

	ch, err := f.ChatStream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if d := <-ch; d.Content != "from b" {
		t.Errorf("content = %q", d.Content)
	}
}

func TestFailoverStreamNoStreamingProviders(t *testing.T) {
	f := NewFailoverProvider(syncOnlyProvider{stub: &stubProvider{name: "a"}}, nil, newTestLogger())
	_, err := f.ChatStream(context.Background(), domain.ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), "no streaming-capable") {
		t.Fatalf("unexpected error: %v", err)
	}
}
