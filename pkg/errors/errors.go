// Package errors provides the error and warning types of the reconstruction
// pipeline.
//
// Only input problems are hard failures. They are returned as *Error values
// carrying a machine-readable Code and are raised before any per-image work
// starts. Every other problem the pipeline can run into (nothing segmented,
// near-coplanar views, an optimiser that ran out of iterations, a bifurcation
// that breaks the cube law) is recovered locally and reported as a Warning
// attached to the result.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTooFewViews, "need at least 2 views, got %d", n)
//	if errors.IsInput(err) {
//	    // reject the request
//	}
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Input error codes. All of them are hard failures.
const (
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeTooFewViews   Code = "TOO_FEW_VIEWS"
	ErrCodeTooFewPoints  Code = "TOO_FEW_POINTS"
	ErrCodeInvalidAngle  Code = "INVALID_ANGLE"
	ErrCodeDecodeFailed  Code = "DECODE_FAILED"
	ErrCodeViewMismatch  Code = "VIEW_MISMATCH"
	ErrCodeUnknownBranch Code = "UNKNOWN_BRANCH"
)

// Other codes.
const (
	ErrCodeTimeout  Code = "TIMEOUT"
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

var inputCodes = map[Code]bool{
	ErrCodeInvalidInput:  true,
	ErrCodeTooFewViews:   true,
	ErrCodeTooFewPoints:  true,
	ErrCodeInvalidAngle:  true,
	ErrCodeDecodeFailed:  true,
	ErrCodeViewMismatch:  true,
	ErrCodeUnknownBranch: true,
}

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInput reports whether err is one of the input error codes.
func IsInput(err error) bool {
	return inputCodes[GetCode(err)]
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
