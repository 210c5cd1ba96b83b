package entityerrors

import (
	"fmt"
	"runtime/debug"
)

// PanicError carries a value recovered from a panicking business method.
type PanicError struct {
	Value interface{}
	Trace []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

// FromPanic converts a recovered value into an internal error. It must be
// called from the deferred function that recovered.
func FromPanic(v interface{}) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: "business method panicked",
		Cause:   &PanicError{Value: v, Trace: debug.Stack()},
		Stack:   captureStack(3),
	}
}
