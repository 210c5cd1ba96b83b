package entityerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "not found", err: New(ErrorTypeNotFound, "gone"), want: true},
		{name: "non reentrant", err: New(ErrorTypeNonReentrant, "loop"), want: true},
		{name: "conflict", err: New(ErrorTypeConflict, "dup"), want: true},
		{name: "application", err: Application(errors.New("biz")), want: true},
		{name: "internal", err: New(ErrorTypeInternal, "fault"), want: false},
		{name: "illegal state", err: New(ErrorTypeIllegalState, "misuse"), want: false},
		{name: "wrapped not found", err: Wrap(New(ErrorTypeNotFound, "gone"), ErrorTypeNotFound, "lookup"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestApplicationKeepsRecoverableErrors(t *testing.T) {
	notFound := New(ErrorTypeNotFound, "gone")
	assert.Same(t, notFound, Application(notFound))
	assert.Nil(t, Application(nil))
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeInternal, "inner")
	outer := Wrap(inner, ErrorTypeTransaction, "outer")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, errors.Is(outer, inner))
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestFromPanic(t *testing.T) {
	cause := errors.New("nil map write")

	var err *Error
	func() {
		defer func() {
			err = FromPanic(recover())
		}()
		panic(cause)
	}()

	require.NotNil(t, err)
	assert.Equal(t, ErrorTypeInternal, err.Type)
	assert.True(t, errors.Is(err, cause))

	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.NotEmpty(t, pe.Trace)
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("x")))
	assert.Equal(t, ErrorTypeConflict, TypeOf(New(ErrorTypeConflict, "dup")))
}
