// Package errors provides structured error types for the Coalesce engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryPool      ErrorCategory = "POOL"
	ErrCategoryStore     ErrorCategory = "STORE"
	ErrCategoryRetry     ErrorCategory = "RETRY"
	ErrCategoryMigration ErrorCategory = "MIGRATION"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeConfigurationInvalid = "CONFIGURATION_INVALID"

	// Pool codes
	CodePoolExhausted = "POOL_EXHAUSTED"
	CodePoolClosed    = "POOL_CLOSED"

	// Store codes
	CodeTransientConflict = "TRANSIENT_CONFLICT"
	CodeStoreFailed       = "STORE_FAILED"
	CodeRecordNotFound    = "RECORD_NOT_FOUND"

	// Retry codes
	CodeRetryExhausted = "RETRY_EXHAUSTED"

	// Migration codes
	CodeMigrationFailed = "MIGRATION_FAILED"
	CodeProbeFailed     = "PROBE_FAILED"
	CodeVersionUnknown  = "VERSION_UNKNOWN"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CoalesceError is the structured error type used throughout the system.
type CoalesceError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CoalesceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CoalesceError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CoalesceError) Is(target error) bool {
	var t *CoalesceError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CoalesceError.
func New(category ErrorCategory, code, message string) *CoalesceError {
	return &CoalesceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CoalesceError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CoalesceError {
	return &CoalesceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CoalesceError) WithDetails(details map[string]interface{}) *CoalesceError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CoalesceError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CoalesceError.
func GetCategory(err error) ErrorCategory {
	var ce *CoalesceError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CoalesceError.
func GetCode(err error) string {
	var ce *CoalesceError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. This is the single
// source of truth for retryability; callers must never classify by message
// text.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeTransientConflict:
		return true
	case category == ErrCategoryPool && code == CodePoolExhausted:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewConfigurationError reports invalid configuration or a handle that could
// not be constructed. Never retried.
func NewConfigurationError(message string, cause error) *CoalesceError {
	return Wrap(ErrCategoryConfig, CodeConfigurationInvalid, message, cause)
}

// NewPoolExhausted reports that no handle became available before the
// acquisition deadline.
func NewPoolExhausted(message string) *CoalesceError {
	return New(ErrCategoryPool, CodePoolExhausted, message)
}

// NewTransientConflict wraps the store's busy/locked signal.
func NewTransientConflict(message string, cause error) *CoalesceError {
	return Wrap(ErrCategoryStore, CodeTransientConflict, message, cause)
}

// NewStoreError reports a non-transient store failure.
func NewStoreError(message string, cause error) *CoalesceError {
	return Wrap(ErrCategoryStore, CodeStoreFailed, message, cause)
}

// NewMigrationError reports a failed migration step.
func NewMigrationError(code, message string, cause error) *CoalesceError {
	return Wrap(ErrCategoryMigration, code, message, cause)
}

func NewInternalError(message string, cause error) *CoalesceError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NewRetryExhausted wraps the last underlying error after the retry budget is
// spent, carrying the attempt count and elapsed wall-clock time.
func NewRetryExhausted(attempts int, elapsed time.Duration, cause error) *CoalesceError {
	e := Wrap(ErrCategoryRetry, CodeRetryExhausted,
		fmt.Sprintf("retry budget exhausted after %d attempts in %s", attempts, elapsed), cause)
	e.Details = map[string]interface{}{
		"attempts":   attempts,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	return e
}

// RetryAttempts extracts the attempt count from a RetryExhausted error.
// Returns 0 if the error does not carry one.
func RetryAttempts(err error) int {
	var ce *CoalesceError
	if errors.As(err, &ce) && ce.Code == CodeRetryExhausted {
		if n, ok := ce.Details["attempts"].(int); ok {
			return n
		}
	}
	return 0
}
