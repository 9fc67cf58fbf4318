package tool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fnord/internal/domain"
)

// RateLimiter is a sliding-window limiter: at most limit calls are
// allowed within any window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter that allows limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a call and reports whether it fits in the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}

	r.calls = append(r.calls, now)
	return true
}

// RateLimitedTool rejects calls beyond its limiter's budget with a
// retryable error result instead of running the handler.
type RateLimitedTool struct {
	domain.Tool
	limiter *RateLimiter
}

// WithRateLimit wraps t so that at most limit calls run per window.
// Calls from concurrent dispatch units share the budget.
func WithRateLimit(t domain.Tool, limit int, window time.Duration) *RateLimitedTool {
	return &RateLimitedTool{Tool: t, limiter: NewRateLimiter(limit, window)}
}

func (t *RateLimitedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if !t.limiter.Allow() {
		return &domain.ToolResult{
			IsError:     true,
			IsRetryable: true,
			Content:     "rate limit exceeded for tool " + t.Name() + ", try again later",
		}, nil
	}
	return t.Tool.Execute(ctx, params)
}
