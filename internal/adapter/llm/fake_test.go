package llm

import (
	"context"
	"sync/atomic"

	"fnord/internal/domain"
)

// stubProvider returns err until it is nil, then a fixed response.
type stubProvider struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubProvider) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChatResponse{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: "from " + s.name},
		FinishReason: domain.FinishStop,
	}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan domain.StreamDelta, 1)
	ch <- domain.StreamDelta{Content: resp.Message.Content, FinishReason: resp.FinishReason}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Name() string { return s.name }

// syncOnlyProvider has no streaming support.
type syncOnlyProvider struct{ stub *stubProvider }

func (s syncOnlyProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return s.stub.Chat(ctx, req)
}

func (s syncOnlyProvider) Name() string { return s.stub.name }
