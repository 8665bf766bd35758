package reliability

import (
	"errors"
	"fmt"
)

var (
	// ErrPanic marks errors produced by a recovered handler panic
	ErrPanic = errors.New("reliability: handler panicked")
	// ErrTimeout is returned by Invoke when the handler outlives its deadline
	ErrTimeout = errors.New("reliability: handler timed out")
)

// PanicError carries a recovered panic value and the goroutine stack at the
// point of the panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrPanic
}
