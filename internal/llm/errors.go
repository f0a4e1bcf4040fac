package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType categorizes why a generation failed. Only rate_limit, timeout,
// network, and server are worth retrying.
type ErrorType string

const (
	ErrorAuth           ErrorType = "auth"
	ErrorRateLimit      ErrorType = "rate_limit"
	ErrorTimeout        ErrorType = "timeout"
	ErrorNetwork        ErrorType = "network"
	ErrorServer         ErrorType = "server"
	ErrorInvalidRequest ErrorType = "invalid_request"
	ErrorContentFilter  ErrorType = "content_filter"
	ErrorUnknown        ErrorType = "unknown"
)

// Retryable reports whether retrying may succeed.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorRateLimit, ErrorTimeout, ErrorNetwork, ErrorServer:
		return true
	default:
		return false
	}
}

// Error is a structured generation failure carrying the context needed for
// retry decisions and the audit record.
type Error struct {
	Type     ErrorType
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Type)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps a provider failure, classifying the cause.
func NewError(provider, model string, cause error) *Error {
	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Type:     ErrorUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = Classify(cause)
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if reason := classifyStatus(status); reason != ErrorUnknown {
		e.Type = reason
	}
	return e
}

// AsError extracts an *Error from a chain.
func AsError(err error) (*Error, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if llmErr, ok := AsError(err); ok {
		return llmErr.Type.Retryable()
	}
	return Classify(err).Retryable()
}

// Classify inspects an error message and returns its type.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return ErrorTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ErrorRateLimit
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return ErrorAuth
	case strings.Contains(errStr, "content_filter"),
		strings.Contains(errStr, "content policy"),
		strings.Contains(errStr, "safety"):
		return ErrorContentFilter
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "network"):
		return ErrorNetwork
	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return ErrorServer
	case strings.Contains(errStr, "invalid_request"),
		strings.Contains(errStr, "invalid request"),
		strings.Contains(errStr, "400"):
		return ErrorInvalidRequest
	default:
		return ErrorUnknown
	}
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests:
		return ErrorRateLimit
	case status == http.StatusBadRequest:
		return ErrorInvalidRequest
	case status == http.StatusRequestTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorServer
	default:
		return ErrorUnknown
	}
}
