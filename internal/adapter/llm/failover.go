package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fnord/internal/domain"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*FailoverProvider)(nil)
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
)

// FailoverProvider wraps a primary LLM provider with fallback providers.
// If the primary fails, it tries each fallback in order. A cancelled
// caller context stops the chain.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

func (f *FailoverProvider) chain() []domain.LLMProvider {
	return append([]domain.LLMProvider{f.primary}, f.fallbacks...)
}

// Chat tries the primary provider first, then each fallback on failure.
// The returned error joins every provider's error so sentinel checks
// still see the underlying causes.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.chain() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "provider", p.Name())
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("llm provider failed, trying next", "provider", p.Name(), "error", err)
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// ChatStream tries streaming from the primary, then each fallback.
// Providers without streaming support are skipped.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for i, p := range f.chain() {
		sp, ok := p.(domain.StreamingLLMProvider)
		if !ok {
			continue
		}
		ch, err := sp.ChatStream(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name())
			}
			return ch, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("streaming llm provider failed, trying next", "provider", p.Name(), "error", err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("no streaming-capable providers available")
	}
	return nil, fmt.Errorf("all streaming providers failed: %w", errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
