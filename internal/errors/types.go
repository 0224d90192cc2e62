// Package errors provides the structured error type shared by the build
// service, the template differ and the HTTP surface.
//
// Errors carry a Type (the broad category used for logging and wire
// stringification) and a stable Code. Two errors compare equal under
// errors.Is when both Type and Code match, so package-level sentinels such as
// build.ErrCancelled can be matched regardless of the message or cause.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeProtocol   ErrorType = "protocol"
)

// Common error codes.
const (
	ErrCodeToolchainFailed  = "ERR_TOOLCHAIN_FAILED"
	ErrCodeIOFailed         = "ERR_IO_FAILED"
	ErrCodeNotStarted       = "ERR_NOT_STARTED"
	ErrCodeCancelled        = "ERR_CANCELLED"
	ErrCodeParseFailure     = "ERR_PARSE_FAILURE"
	ErrCodeNeedsRebuild     = "ERR_NEEDS_REBUILD"
	ErrCodeNotHotReloadable = "ERR_NOT_HOT_RELOADABLE"
	ErrCodeShareNotFound    = "ERR_SHARE_NOT_FOUND"
	ErrCodeShareTooLarge    = "ERR_SHARE_TOO_LARGE"
	ErrCodeRateLimited      = "ERR_RATE_LIMITED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeInvalidID        = "ERR_INVALID_ID"
	ErrCodeInternalError    = "ERR_INTERNAL"
)

// Error is a structured error type with context.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *Error {
	return &Error{Type: ErrorTypeValidation, Code: code, Message: message}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeBuild, Code: code, Message: message, Cause: cause}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeIO, Code: code, Message: message, Cause: cause}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeConfig, Code: code, Message: message, Cause: cause}
}

// NewProtocolError creates a protocol error (rate limits, quotas, bad frames).
func NewProtocolError(code, message string) *Error {
	return &Error{Type: ErrorTypeProtocol, Code: code, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeInternal, Code: code, Message: message, Cause: cause}
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err at a level chosen by its type. Build, validation and
// protocol errors are expected during normal operation and log as warnings.
func (h *ErrorHandler) Handle(ctx context.Context, err error, msg string, fields ...interface{}) {
	if err == nil || h.logger == nil {
		return
	}

	var e *Error
	if !errors.As(err, &e) {
		h.logger.Error(ctx, err, msg, fields...)
		return
	}

	fields = append(fields, "type", e.Type, "code", e.Code)
	for k, v := range e.Context {
		fields = append(fields, k, v)
	}

	switch e.Type {
	case ErrorTypeBuild, ErrorTypeValidation, ErrorTypeProtocol:
		h.logger.Warn(ctx, err, msg, fields...)
	default:
		h.logger.Error(ctx, err, msg, fields...)
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
