package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"nexa/internal/domain"
)

// ErrorCategory indicates whether a model invocation error may be retried.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, transport failures
	ErrorCategoryPermanent               // 4xx, auth, cancellation, malformed
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRetryable:
		return "retryable"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether the error may succeed on another attempt.
func (c ClassifiedError) Retryable() bool { return c.Category == ErrorCategoryRetryable }

// ErrorClassifier sorts model invocation errors into retryable and
// permanent failures.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches the "API error <status>:" detail of mapped HTTP errors.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects err and returns its category and mapped sentinel.
// A nil classifier treats every error as permanent.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	if c == nil {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}

	// Cancellation and deadlines belong to the caller, never to the upstream.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent}
	}

	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}

	errStr := err.Error()
	if m := apiErrorPattern.FindStringSubmatch(errStr); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return c.classifyByStatus(err, code)
	}
	return c.classifyByString(err, strings.ToLower(errStr))
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	out := ClassifiedError{Original: err}
	if m := apiErrorPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		out.StatusCode, _ = strconv.Atoi(m[1])
	}

	switch {
	case errors.Is(err, domain.ErrRateLimit):
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case errors.Is(err, domain.ErrUpstream):
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrUpstream
	case errors.Is(err, domain.ErrAuthInvalid):
		out.Category, out.Sentinel = ErrorCategoryPermanent, domain.ErrAuthInvalid
	case errors.Is(err, domain.ErrContextOverflow):
		// History is replayed verbatim, so a second attempt sends the same
		// oversized request.
		out.Category, out.Sentinel = ErrorCategoryPermanent, domain.ErrContextOverflow
	case errors.Is(err, domain.ErrProviderError):
		out.Category, out.Sentinel = ErrorCategoryPermanent, domain.ErrProviderError
	case errors.Is(err, domain.ErrStreamInterrupted):
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrStreamInterrupted
	default:
		out.Category = ErrorCategoryUnknown
	}
	return out
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	out := ClassifiedError{Original: err, StatusCode: code, Category: ErrorCategoryPermanent}
	switch {
	case code == 429:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == 401 || code == 403:
		out.Sentinel = domain.ErrAuthInvalid
	case code == 408 || (code >= 500 && code < 600):
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrUpstream
	}
	return out
}

var (
	rateLimitPhrases = []string{"rate limit", "too many requests"}
	transportPhrases = []string{
		"connection refused", "no such host", "timeout",
		"connection reset", "broken pipe", "eof",
	}
)

func (c *ErrorClassifier) classifyByString(err error, lower string) ClassifiedError {
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
		}
	}
	for _, p := range transportPhrases {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
