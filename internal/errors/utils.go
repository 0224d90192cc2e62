package errors

import (
	"errors"
	"maps"
)

// Wrap wraps an error with additional context, creating an *Error if the input is not already one.
func Wrap(err error, errType ErrorType, code, message string) *Error {
	if err == nil {
		return nil
	}

	// Keep the context of a wrapped *Error so it survives into logs.
	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Type:    errType,
			Code:    code,
			Message: message,
			Cause:   e,
			Context: maps.Clone(e.Context),
		}
	}

	return &Error{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapIO wraps an error as an I/O failure with a short description of what was attempted.
func WrapIO(err error, what string) *Error {
	w := Wrap(err, ErrorTypeIO, ErrCodeIOFailed, what)
	if w != nil {
		w.WithContext("context", what)
	}
	return w
}

// WrapBuild wraps an error as a build error.
func WrapBuild(err error, code, message string) *Error {
	return Wrap(err, ErrorTypeBuild, code, message)
}

// WrapInternal wraps an error as an internal error.
func WrapInternal(err error, message string) *Error {
	return Wrap(err, ErrorTypeInternal, ErrCodeInternalError, message)
}
