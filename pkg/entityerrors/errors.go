// Package entityerrors provides structured error handling for entitycore with
// error categorization, context details and stack capture.
//
// # Overview
//
// Every failure surfaced by the instance manager is an *Error carrying an
// ErrorType. The type decides what the invocation pipeline does with the
// instance that was involved:
//
//   - not_found, non_reentrant, conflict, application: recoverable. The
//     instance is released normally and the error reaches the caller.
//   - internal (and any error the component does not classify): unexpected
//     fault. The instance is discarded and the error reaches the caller.
//
// # Basic Usage
//
//	// Business code marks an error the caller is expected to handle
//	if balance < amount {
//	    return nil, entityerrors.Application(ErrInsufficientFunds)
//	}
//
//	// Callers branch on the category
//	if entityerrors.IsType(err, entityerrors.ErrorTypeNotFound) {
//	    // the entity was removed or never created
//	}
package entityerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents unexpected faults (runtime errors, panics)
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeNotFound represents an unknown or removed business identity
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeNonReentrant represents a loop-back call into a non-reentrant instance
	ErrorTypeNonReentrant ErrorType = "non_reentrant"
	// ErrorTypeConflict represents a duplicate business identity
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeApplication represents business errors the caller is expected to handle
	ErrorTypeApplication ErrorType = "application"
	// ErrorTypeIllegalState represents misuse of the manager's contracts
	ErrorTypeIllegalState ErrorType = "illegal_state"
	// ErrorTypeTimeout represents an abandoned lock wait
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeValidation represents invalid arguments
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeTransaction represents transaction completion failures
	ErrorTypeTransaction ErrorType = "transaction"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Application marks err as an application error. The pipeline releases the
// instance normally when a business method returns it. A nil err stays nil
// and an error that already carries a recoverable type is returned as is.
func Application(err error) error {
	if err == nil {
		return nil
	}
	if IsRecoverable(err) {
		return err
	}
	return &Error{
		Type:    ErrorTypeApplication,
		Message: "business method failed",
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the category of err, or ErrorTypeInternal when err is not
// an *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsRecoverable reports whether err leaves the instance it was raised on
// safe for reuse.
func IsRecoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeNotFound, ErrorTypeNonReentrant, ErrorTypeConflict,
		ErrorTypeApplication, ErrorTypeTimeout, ErrorTypeValidation:
		return true
	default:
		return false
	}
}

// IsNotFound is shorthand for IsType(err, ErrorTypeNotFound)
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
