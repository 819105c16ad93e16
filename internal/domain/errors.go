package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrAgentNotFound        = fmt.Errorf("agent not found")
	ErrCapabilityNotFound   = fmt.Errorf("capability not found")
	ErrCapabilityConfig     = fmt.Errorf("capability misconfigured")
	ErrCapabilityFailure    = fmt.Errorf("capability invocation failed")
	ErrEmptyQuestion        = fmt.Errorf("%w: question is empty", ErrInvalidInput)
	ErrMaxIterations        = fmt.Errorf("turn reached max tool iterations")
	ErrSessionConflict      = fmt.Errorf("session append conflict")
	ErrSessionForbidden     = fmt.Errorf("session owned by another user")
	ErrStreamInterrupted    = fmt.Errorf("model stream interrupted")
	ErrTurnCancelled        = fmt.Errorf("turn cancelled")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrEncryption           = fmt.Errorf("encryption operation failed")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrUnsupportedModel     = fmt.Errorf("unsupported model")
	ErrInvalidTemperature   = fmt.Errorf("temperature out of range")
	ErrIdentityMissing      = fmt.Errorf("caller identity missing")
	ErrStreamingUnsupported = fmt.Errorf("provider does not support streaming")
	ErrEgressBlocked        = fmt.Errorf("outbound address not allowed")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrUpstream        = fmt.Errorf("upstream server error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Router.Resolve")
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

// ErrorCode is a machine-parseable error category for monitoring and
// for mapping to transport status codes.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeCapabilityNotFound   ErrorCode = "CAPABILITY_NOT_FOUND"
	CodeCapabilityConfig     ErrorCode = "CAPABILITY_MISCONFIGURED"
	CodeCapabilityFailure    ErrorCode = "CAPABILITY_FAILURE"
	CodeEmptyQuestion        ErrorCode = "EMPTY_QUESTION"
	CodeMaxIterations        ErrorCode = "MAX_ITERATIONS"
	CodeSessionConflict      ErrorCode = "SESSION_CONFLICT"
	CodeSessionForbidden     ErrorCode = "SESSION_FORBIDDEN"
	CodeStreamInterrupted    ErrorCode = "STREAM_INTERRUPTED"
	CodeTurnCancelled        ErrorCode = "TURN_CANCELLED"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeUnsupportedModel     ErrorCode = "UNSUPPORTED_MODEL"
	CodeInvalidTemperature   ErrorCode = "INVALID_TEMPERATURE"
	CodeIdentityMissing      ErrorCode = "IDENTITY_MISSING"
	CodeStreamingUnsupported ErrorCode = "STREAMING_UNSUPPORTED"
	CodeEgressBlocked        ErrorCode = "EGRESS_BLOCKED"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeUpstream             ErrorCode = "UPSTREAM"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrAgentNotFound:        CodeAgentNotFound,
	ErrCapabilityNotFound:   CodeCapabilityNotFound,
	ErrCapabilityConfig:     CodeCapabilityConfig,
	ErrCapabilityFailure:    CodeCapabilityFailure,
	ErrEmptyQuestion:        CodeEmptyQuestion,
	ErrMaxIterations:        CodeMaxIterations,
	ErrSessionConflict:      CodeSessionConflict,
	ErrSessionForbidden:     CodeSessionForbidden,
	ErrStreamInterrupted:    CodeStreamInterrupted,
	ErrTurnCancelled:        CodeTurnCancelled,
	ErrConfigLoad:           CodeConfigLoad,
	ErrEncryption:           CodeEncryption,
	ErrDecryption:           CodeDecryption,
	ErrUnsupportedModel:     CodeUnsupportedModel,
	ErrInvalidTemperature:   CodeInvalidTemperature,
	ErrIdentityMissing:      CodeIdentityMissing,
	ErrStreamingUnsupported: CodeStreamingUnsupported,
	ErrEgressBlocked:        CodeEgressBlocked,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrUpstream:             CodeUpstream,
}

// codePriority lists specific sentinels ahead of the category sentinels
// they may wrap, so chain walks resolve to the most specific code.
var codePriority = []error{
	ErrEmptyQuestion,
	ErrAgentNotFound,
	ErrSessionForbidden,
	ErrSessionConflict,
	ErrCapabilityNotFound,
	ErrCapabilityConfig,
	ErrCapabilityFailure,
	ErrMaxIterations,
	ErrStreamInterrupted,
	ErrTurnCancelled,
	ErrUnsupportedModel,
	ErrInvalidTemperature,
	ErrIdentityMissing,
	ErrStreamingUnsupported,
	ErrEgressBlocked,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrContextOverflow,
	ErrUpstream,
	ErrConfigLoad,
	ErrEncryption,
	ErrDecryption,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrInvalidInput,
	ErrProviderError,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
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
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
