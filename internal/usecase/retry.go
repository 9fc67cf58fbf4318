package usecase

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fnord/internal/domain"
)

// Decision is the retry policy's verdict on a failed send.
type Decision int

const (
	// DecisionFatal aborts the run.
	DecisionFatal Decision = iota
	// DecisionRetry resends after Delay.
	DecisionRetry
	// DecisionCompact forces a compaction before resending.
	DecisionCompact
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionCompact:
		return "compact"
	default:
		return "fatal"
	}
}

// Classification holds the result of error classification.
type Classification struct {
	Original   error
	Decision   Decision
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	MinRetryDelay      = 200 * time.Millisecond
)

// RetryPolicy classifies transport failures and computes backoff delays.
// The zero value is usable and applies the defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RetryRateLimit retries 429 responses instead of failing fast.
	RetryRateLimit bool
	// NoJitter disables the 0-25% random jitter.
	NoJitter bool
}

// apiErrorPattern matches "API error <status_code>:" produced by all LLM providers.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowKeywords are body keywords that indicate a context length issue
// within a 400 response.
var contextOverflowKeywords = []string{
	"context", "token", "length", "too long", "maximum",
}

// Attempts returns the effective maximum number of sends.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number attempt (1-based).
// The result is capped exponential and never below MinRetryDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := maxDelay
	// Compare before shifting so a large base cannot overflow.
	if shift := uint(attempt - 1); shift < 63 && base <= maxDelay>>shift {
		delay = min(base<<shift, maxDelay)
	}
	if !p.NoJitter {
		delay += time.Duration(rand.Int64N(int64(delay/4) + 1))
	}
	return max(delay, MinRetryDelay)
}

// Classify inspects a send error and decides how the engine should react.
func (p RetryPolicy) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if c, ok := p.classifyBySentinel(err); ok {
		return c
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return p.classifyByStatus(err, code, errStr)
	}

	return p.classifyByString(err, errStr)
}

func (p RetryPolicy) rateLimitDecision() Decision {
	if p.RetryRateLimit {
		return DecisionRetry
	}
	return DecisionFatal
}

// classifyBySentinel checks if the error wraps a known sentinel.
func (p RetryPolicy) classifyBySentinel(err error) (Classification, bool) {
	c := Classification{Original: err}
	switch {
	case errors.Is(err, context.Canceled):
		c.Decision = DecisionFatal
	case errors.Is(err, domain.ErrRateLimit):
		c.Decision, c.Sentinel = p.rateLimitDecision(), domain.ErrRateLimit
	case errors.Is(err, domain.ErrContextOverflow):
		c.Decision, c.Sentinel = DecisionCompact, domain.ErrContextOverflow
	case errors.Is(err, domain.ErrAuthInvalid):
		c.Decision, c.Sentinel = DecisionFatal, domain.ErrAuthInvalid
	case errors.Is(err, domain.ErrServerError):
		c.Decision, c.Sentinel = DecisionRetry, domain.ErrServerError
	case errors.Is(err, domain.ErrCircuitOpen):
		c.Decision, c.Sentinel = DecisionRetry, domain.ErrCircuitOpen
	case errors.Is(err, domain.ErrStreamTruncated):
		c.Decision, c.Sentinel = DecisionRetry, domain.ErrStreamTruncated
	case errors.Is(err, domain.ErrTransientTransport):
		c.Decision, c.Sentinel = DecisionRetry, domain.ErrTransientTransport
	case errors.Is(err, domain.ErrFatalAPI):
		c.Decision, c.Sentinel = DecisionFatal, domain.ErrFatalAPI
	case errors.Is(err, context.DeadlineExceeded):
		c.Decision = DecisionRetry
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.Decision = DecisionRetry
			return c, true
		}
		return c, false
	}
	return c, true
}

func (p RetryPolicy) classifyByStatus(err error, code int, body string) Classification {
	c := Classification{Original: err, StatusCode: code, Decision: DecisionFatal}
	switch {
	case code == 429:
		c.Decision, c.Sentinel = p.rateLimitDecision(), domain.ErrRateLimit
	case code == 401 || code == 403:
		c.Sentinel = domain.ErrAuthInvalid
	case code == 413:
		c.Decision, c.Sentinel = DecisionCompact, domain.ErrContextOverflow
	case code == 400:
		lower := strings.ToLower(body)
		for _, kw := range contextOverflowKeywords {
			if strings.Contains(lower, kw) {
				c.Decision, c.Sentinel = DecisionCompact, domain.ErrContextOverflow
				break
			}
		}
	case code == 408:
		c.Decision = DecisionRetry
	case code >= 500 && code < 600:
		c.Decision, c.Sentinel = DecisionRetry, domain.ErrServerError
	}
	return c
}

func (p RetryPolicy) classifyByString(err error, errStr string) Classification {
	lower := strings.ToLower(errStr)

	for _, s := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, s) {
			return Classification{Original: err, Decision: p.rateLimitDecision(), Sentinel: domain.ErrRateLimit}
		}
	}

	for _, s := range []string{"context length", "token limit", "maximum context"} {
		if strings.Contains(lower, s) {
			return Classification{Original: err, Decision: DecisionCompact, Sentinel: domain.ErrContextOverflow}
		}
	}

	for _, s := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset", "eof",
	} {
		if strings.Contains(lower, s) {
			return Classification{Original: err, Decision: DecisionRetry}
		}
	}

	return Classification{Original: err, Decision: DecisionFatal}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
