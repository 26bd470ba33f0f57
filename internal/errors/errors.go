package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrServer           = errors.New("server error")
)

// ErrorType represents the category of a billing provider failure
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// ProviderError is a structured error for calls to a billing provider
type ProviderError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "fetch_grant", "list_subscriptions")
	Provider   string // Provider name (e.g., "stripe", "license_server")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ProviderError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection || e.Type == ErrorTypeTimeout
	case ErrServer:
		return e.Type == ErrorTypeServer
	}

	return errors.Is(e.Err, target)
}

// NewProviderError creates a new ProviderError
func NewProviderError(errorType ErrorType, op, provider string, err error) *ProviderError {
	return &ProviderError{
		Type:      errorType,
		Op:        op,
		Provider:  provider,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeServer:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput)
		}
		return true
	}
}

// Helper functions

// WrapConnectionError wraps a transport failure. Deadline and timeout errors
// are classified as ErrorTypeTimeout.
func WrapConnectionError(op, provider string, err error) error {
	if isTimeout(err) {
		return NewProviderError(ErrorTypeTimeout, op, provider, err)
	}
	return NewProviderError(ErrorTypeConnection, op, provider, err)
}

// WrapAPIError wraps a non-success response, classifying it by status code.
func WrapAPIError(op, provider string, err error, statusCode int) error {
	errorType := ErrorTypeServer
	switch {
	case statusCode == 401 || statusCode == 403:
		errorType = ErrorTypeAuth
	case statusCode == 404:
		errorType = ErrorTypeNotFound
	case statusCode == 400 || statusCode == 422:
		errorType = ErrorTypeValidation
	case statusCode == 408:
		errorType = ErrorTypeTimeout
	}
	return NewProviderError(errorType, op, provider, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsNotFound reports whether err means the provider has no record of the subject.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNetworkError reports whether err is a transport-level failure (as opposed
// to the provider answering with an error).
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout) {
		return true
	}
	return isTimeout(err)
}

// TypeOf returns the provider error category, or "" for unclassified errors.
func TypeOf(err error) ErrorType {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type
	}
	return ""
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
