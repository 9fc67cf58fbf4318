package tool

import (
	"context"
	"errors"
	"strings"

	"fnord/internal/domain"
)

// retryableSentinels are errors that say the tool's backend was briefly
// unavailable rather than that the call itself was wrong.
var retryableSentinels = []error{
	context.DeadlineExceeded,
	domain.ErrRateLimit,
	domain.ErrServerError,
	domain.ErrCircuitOpen,
	domain.ErrStreamTruncated,
}

// retryablePatterns are checked case-insensitively against the message of
// errors that carry no sentinel.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many open files",
	"try again",
}

// classifyToolError reports whether a tool call that failed with err may
// succeed if the model issues it again.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}
