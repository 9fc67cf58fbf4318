package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"fnord/internal/domain"
)

func TestRateLimitedProviderBurst(t *testing.T) {
	inner := &stubProvider{name: "p"}
	p := NewRateLimitedProvider(inner, 1000, 3, newTestLogger())

	for i := 0; i < 3; i++ {
		if _, err := p.Chat(context.Background(), domain.ChatRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.calls.Load() != 3 {
		t.Errorf("calls = %d", inner.calls.Load())
	}
	if p.Name() != "p" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestRateLimitedProviderDeadlineTooClose(t *testing.T) {
	inner := &stubProvider{name: "p"}
	// One token per minute; the second call cannot be served in time.
	p := NewRateLimitedProvider(inner, 1.0/60, 1, newTestLogger())

	if _, err := p.Chat(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, domain.ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("limited call should not reach the provider, calls = %d", inner.calls.Load())
	}
}

func TestRateLimitedProviderCancelled(t *testing.T) {
	p := NewRateLimitedProvider(&stubProvider{name: "p"}, 10, 0, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ChatStream(ctx, domain.ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestRateLimitedProviderStreamFallsBackToChat(t *testing.T) {
	stub := &stubProvider{name: "p"}
	p := NewRateLimitedProvider(syncOnlyProvider{stub: stub}, 1000, 1, newTestLogger())

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{Stream: true})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	var content string
	for d := range ch {
		content += d.Content
	}
	if content != "from p" {
		t.Errorf("content = %q", content)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("calls = %d", stub.calls.Load())
	}
}
