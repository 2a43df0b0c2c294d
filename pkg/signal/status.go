package signal

import (
	"errors"
	"fmt"
	"reflect"
)

// StatusKind identifies where a signal is in its lifecycle.
type StatusKind int

const (
	// StatusDispatching means the signal has no owner yet.
	StatusDispatching StatusKind = iota
	// StatusProcessing means a consumer has claimed the signal.
	StatusProcessing
	// StatusCompleted is terminal.
	StatusCompleted
)

// String returns the string representation of the kind.
func (k StatusKind) String() string {
	switch k {
	case StatusDispatching:
		return "dispatching"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a signal.
// The zero value is Dispatching.
type Status struct {
	kind  StatusKind
	owner string
	err   error
}

// Dispatching returns the status of a signal waiting for a consumer.
func Dispatching() Status {
	return Status{kind: StatusDispatching}
}

// Processing returns the status of a signal claimed by owner.
// The owner is a diagnostic origin tag, not a lock.
func Processing(owner string) Status {
	return Status{kind: StatusProcessing, owner: owner}
}

// Completed returns the terminal status. A nil err means success.
func Completed(err error) Status {
	return Status{kind: StatusCompleted, err: err}
}

// Kind returns the status kind.
func (s Status) Kind() StatusKind { return s.kind }

// IsDispatching reports whether the signal is waiting for a consumer.
func (s Status) IsDispatching() bool { return s.kind == StatusDispatching }

// IsProcessing reports whether the signal has been claimed.
func (s Status) IsProcessing() bool { return s.kind == StatusProcessing }

// IsCompleted reports whether the signal is terminal.
func (s Status) IsCompleted() bool { return s.kind == StatusCompleted }

// Owner returns the processing owner tag, or "" for other kinds.
func (s Status) Owner() string { return s.owner }

// Err returns the completion error, or nil.
func (s Status) Err() error { return s.err }

// String returns a compact representation used in log records.
func (s Status) String() string {
	switch s.kind {
	case StatusProcessing:
		return fmt.Sprintf("processing(%s)", s.owner)
	case StatusCompleted:
		if s.err == nil {
			return "completed"
		}
		return fmt.Sprintf("completed(%v)", s.err)
	default:
		return s.kind.String()
	}
}

// SameStatus is the coarse equality used for change detection.
// Processing values match regardless of owner; Completed values match when
// both succeeded or both failed with errors of the same kind.
func SameStatus(a, b Status) bool {
	if a.kind != b.kind {
		return false
	}
	if a.kind != StatusCompleted {
		return true
	}
	if a.err == nil || b.err == nil {
		return a.err == nil && b.err == nil
	}
	return errorKind(a.err) == errorKind(b.err)
}

// errorKind classifies an error by kind rather than value.
func errorKind(err error) string {
	if errors.Is(err, ErrInterrupted) {
		return "interrupted"
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return "handler:" + typeName(herr.Cause)
	}
	return typeName(err)
}

func typeName(err error) string {
	if err == nil {
		return "<nil>"
	}
	return reflect.TypeOf(err).String()
}
