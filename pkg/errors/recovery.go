package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"
)

var ErrPanic = NewError("PANIC", "handler panicked", http.StatusInternalServerError).AsFatal()

// RecoverPanic turns a recovered value into a fatal coded error carrying the
// stack. A panicking stage is never retried.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}

	return ErrPanic.
		WithCause(cause).
		WithDetail("stack_trace", string(debug.Stack()))
}
