package common

import (
	"errors"
	"fmt"
)

// ErrorClass partitions pipeline failures by how the orchestrator must react.
type ErrorClass string

const (
	// ClassRejection is client-caused and never retried (bad file, quota,
	// unauthorized access).
	ClassRejection ErrorClass = "rejection"
	// ClassTransient is environment-caused and retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassValidation is data-caused: retried once with stricter handling,
	// then terminal.
	ClassValidation ErrorClass = "validation"
	// ClassFatal is unexpected and always terminal and dead-lettered.
	ClassFatal ErrorClass = "fatal"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInternal      = errors.New("internal error")
	ErrQuotaExceeded = errors.New("concurrent job quota exceeded")
	ErrRateLimited   = errors.New("submission rate limit exceeded")
	ErrStaleState    = errors.New("job state changed concurrently")
)

// Error constructors

func NewAppError(code string, class ErrorClass, message string, cause error) *AppError {
	return &AppError{Code: code, Class: class, Message: message, Cause: cause}
}

func Rejection(code, message string) *AppError {
	return &AppError{Code: code, Class: ClassRejection, Message: message}
}

func Transient(code, message string, cause error) *AppError {
	return &AppError{Code: code, Class: ClassTransient, Message: message, Cause: cause}
}

func Validation(code, message string, cause error) *AppError {
	return &AppError{Code: code, Class: ClassValidation, Message: message, Cause: cause}
}

func Fatal(code, message string, cause error) *AppError {
	return &AppError{Code: code, Class: ClassFatal, Message: message, Cause: cause}
}

// Classify returns the error class for err. Errors that do not carry an
// AppError are treated as fatal, so nothing slips past the dead letter store.
func Classify(err error) ErrorClass {
	var ae *AppError
	if errors.As(err, &ae) && ae.Class != "" {
		return ae.Class
	}
	return ClassFatal
}

// ErrorCode extracts the machine-readable code, or "INTERNAL" when absent.
func ErrorCode(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "INTERNAL"
}

// Reason is the caller-safe failure description: the AppError message for
// classified errors, a generic line otherwise. Raw internal error text is
// never surfaced.
func Reason(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "an unexpected error occurred"
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
