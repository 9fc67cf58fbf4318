package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound    = fmt.Errorf("llm provider not found")
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrMaxIterations       = fmt.Errorf("engine reached max iterations")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrInvalidInput        = fmt.Errorf("invalid input")
	ErrToolApprovalDenied  = fmt.Errorf("tool approval denied")
	ErrToolApprovalTimeout = fmt.Errorf("tool approval timed out")
	ErrPoolClosed          = fmt.Errorf("dispatch pool closed")
	ErrPathOutsideSandbox  = fmt.Errorf("path outside sandbox")

	// Transport errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrServerError     = fmt.Errorf("server error")
	ErrStreamTruncated = fmt.Errorf("stream ended without finish reason")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
)

// Run failure taxonomy. Every error returned from Engine.Run wraps exactly
// one of these.
var (
	ErrTransientTransport = fmt.Errorf("transient transport error")
	ErrFatalAPI           = fmt.Errorf("fatal api error")
	ErrToolExecution      = fmt.Errorf("tool execution error")
	ErrProtocolViolation  = fmt.Errorf("protocol violation")
	ErrCompactionFailed   = fmt.Errorf("compaction failed")
)

// ErrorKind names a run failure category.
type ErrorKind string

const (
	KindTransientTransport ErrorKind = "transient_transport"
	KindFatalAPI           ErrorKind = "fatal_api"
	KindToolExecution      ErrorKind = "tool_execution"
	KindProtocolViolation  ErrorKind = "protocol_violation"
	KindCompactionFailure  ErrorKind = "compaction_failure"
)

var kindSentinels = map[ErrorKind]error{
	KindTransientTransport: ErrTransientTransport,
	KindFatalAPI:           ErrFatalAPI,
	KindToolExecution:      ErrToolExecution,
	KindProtocolViolation:  ErrProtocolViolation,
	KindCompactionFailure:  ErrCompactionFailed,
}

// RunError is the typed failure surfaced by the completion engine.
// It matches both its kind sentinel and the underlying cause via errors.Is.
//
// A send that is still retryable when the retry budget runs out ends the
// run with KindTransientTransport, not KindFatalAPI; Attempts then holds
// the number of sends made.
type RunError struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	Err      error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewRunError creates a RunError of the given kind.
func NewRunError(kind ErrorKind, op string, attempts int, err error) *RunError {
	return &RunError{Kind: kind, Op: op, Attempts: attempts, Err: err}
}

// KindOf returns the run failure kind of err, or "" when err is not a
// classified run failure.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Tool.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolApprovalDenied ErrorCode = "TOOL_APPROVAL_DENIED"
	CodeToolApprovalTimout ErrorCode = "TOOL_APPROVAL_TIMEOUT"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodePoolClosed         ErrorCode = "POOL_CLOSED"
	CodePathOutside        ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeStreamTruncated    ErrorCode = "STREAM_TRUNCATED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeTransient          ErrorCode = "TRANSIENT_TRANSPORT"
	CodeFatalAPI           ErrorCode = "FATAL_API"
	CodeToolExecution      ErrorCode = "TOOL_EXECUTION"
	CodeProtocolViolation  ErrorCode = "PROTOCOL_VIOLATION"
	CodeCompactionFailed   ErrorCode = "COMPACTION_FAILED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolApprovalDenied:  CodeToolApprovalDenied,
	ErrToolApprovalTimeout: CodeToolApprovalTimout,
	ErrMaxIterations:       CodeMaxIterations,
	ErrConfigLoad:          CodeConfigLoad,
	ErrInvalidInput:        CodeInvalidInput,
	ErrPoolClosed:          CodePoolClosed,
	ErrPathOutsideSandbox:  CodePathOutside,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrServerError:         CodeServerError,
	ErrStreamTruncated:     CodeStreamTruncated,
	ErrCircuitOpen:         CodeCircuitOpen,
	ErrTransientTransport:  CodeTransient,
	ErrFatalAPI:            CodeFatalAPI,
	ErrToolExecution:       CodeToolExecution,
	ErrProtocolViolation:   CodeProtocolViolation,
	ErrCompactionFailed:    CodeCompactionFailed,
}

// codePriority orders sentinels from most to least specific so that a
// RunError wrapping ErrMaxIterations reports MAX_ITERATIONS rather than the
// generic kind code.
var codePriority = []error{
	ErrMaxIterations,
	ErrContextOverflow,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrServerError,
	ErrStreamTruncated,
	ErrCircuitOpen,
	ErrToolNotFound,
	ErrProviderNotFound,
	ErrToolApprovalDenied,
	ErrToolApprovalTimeout,
	ErrPoolClosed,
	ErrPathOutsideSandbox,
	ErrConfigLoad,
	ErrInvalidInput,
	ErrTransientTransport,
	ErrFatalAPI,
	ErrToolExecution,
	ErrProtocolViolation,
	ErrCompactionFailed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
