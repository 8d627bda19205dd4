// Package errors provides the error taxonomy shared by the queue components.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable and safe to
// surface to collaborators outside the process.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrConfig   ErrorCode = "CONFIG_INVALID"

	// Admission and lookup errors
	ErrQueueFull         ErrorCode = "QUEUE_FULL"
	ErrItemNotFound      ErrorCode = "ITEM_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Persistence errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrIntegrity ErrorCode = "INTEGRITY_ERROR"

	// Delivery errors
	ErrRetryable          ErrorCode = "RETRYABLE"
	ErrTerminal           ErrorCode = "TERMINAL"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or ErrInternal when err
// carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable marks an adapter failure as transient. The item will be
// scheduled for another attempt while its retry budget lasts.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrRetryable, "delivery failed", err)
}

// Terminal marks an adapter failure as permanent, e.g. a payload the
// destination rejected as malformed. The item is finalized as failed.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrTerminal, "delivery rejected", err)
}
