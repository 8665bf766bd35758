package reliability

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Invoke calls fn and converts a panic into a *PanicError. With a positive
// timeout, fn runs on its own goroutine under a derived deadline; if the
// deadline passes first Invoke returns an error wrapping ErrTimeout and the
// late result of fn is discarded.
func Invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return call(ctx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call(ctx, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

func call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
