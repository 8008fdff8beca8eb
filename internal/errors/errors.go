// Package errors provides structured error types for the Trust Doors logger.
// All errors include a category, code, message, and retryable flag so that
// callers can decide between retrying, degrading, and dropping.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryTransport  ErrorCategory = "TRANSPORT"
	ErrCategoryReceiver   ErrorCategory = "RECEIVER"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeEmptyBatch     = "EMPTY_BATCH"

	// Storage codes
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeWriteFailed    = "WRITE_FAILED"
	CodeReadFailed     = "READ_FAILED"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Transport codes
	CodeSendFailed     = "SEND_FAILED"
	CodeStatusRejected = "STATUS_REJECTED"

	// Receiver codes
	CodeDiscarded = "DISCARDED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// LogError is the structured error type used throughout the system.
type LogError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *LogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *LogError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *LogError) Is(target error) bool {
	var t *LogError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new LogError.
func New(category ErrorCategory, code, message string) *LogError {
	return &LogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new LogError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *LogError {
	return &LogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *LogError) WithDetails(details map[string]interface{}) *LogError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var le *LogError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a LogError.
func GetCategory(err error) ErrorCategory {
	var le *LogError
	if errors.As(err, &le) {
		return le.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a LogError.
func GetCode(err error) string {
	var le *LogError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport && code == CodeSendFailed:
		return true
	case category == ErrCategoryTransport && code == CodeStatusRejected:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *LogError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewTransportError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewReceiverError(code, message string, cause error) *LogError {
	return Wrap(ErrCategoryReceiver, code, message, cause)
}

func NewInternalError(message string, cause error) *LogError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
