package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"fnord/internal/domain"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*RateLimitedProvider)(nil)
	_ domain.StreamingLLMProvider = (*RateLimitedProvider)(nil)
)

// slowWaitThreshold is the limiter wait above which a debug line is logged.
const slowWaitThreshold = 250 * time.Millisecond

// RateLimitedProvider paces outbound requests with a token bucket. The
// engine's sends and the compactor's rewrite and summary calls share one
// bucket per provider.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimitedProvider allows rps requests per second with the given
// burst. A burst below one is raised to one.
func NewRateLimitedProvider(inner domain.LLMProvider, rps float64, burst int, logger *slog.Logger) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline is closer than the next token.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("provider %q rate limit wait: %w", p.inner.Name(), ctxErr)
		}
		return fmt.Errorf("provider %q rate limit wait: %w: %w", p.inner.Name(), context.DeadlineExceeded, err)
	}
	if waited := time.Since(start); waited > slowWaitThreshold {
		p.logger.Debug("rate limiter delayed request",
			"provider", p.inner.Name(),
			"waited", waited,
		)
	}
	return nil
}

// Chat implements domain.LLMProvider.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider. When the inner provider
// cannot stream, the request goes through Chat and the response is replayed
// as a single finished stream.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		return replayResponse(resp), nil
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return sp.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
