package signal

import (
	"errors"
	"fmt"
)

// ErrInterrupted completes a signal that was superseded by a newer emit.
var ErrInterrupted = errors.New("signal: interrupted")

// ErrUnspecifiedFailure is the cause recorded when a handler fails without an error.
var ErrUnspecifiedFailure = errors.New("signal: unspecified handler failure")

// HandlerError wraps a failure raised by or returned from a handler.
type HandlerError struct {
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("signal handler failed: %v", e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// PanicError is the cause recorded when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsInterrupted reports whether err marks a superseded signal.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

func wrapHandlerError(err error) error {
	if err == nil {
		err = ErrUnspecifiedFailure
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return err
	}
	return &HandlerError{Cause: err}
}
