// Package signal provides single-flight signal dispatch over a shared slot.
//
// A Dispatcher wraps payloads into signals and writes them into a Slot,
// completing any unfinished signal with ErrInterrupted first. Consumers
// observe the slot, claim the signal in Dispatching state and run their
// Handler asynchronously, writing the resulting status back.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultIDLength is the number of hex characters in a generated signal ID.
const DefaultIDLength = 12

// Signal is one unit of work in flight. It is never mutated; transitions
// produce a new value with the same ID.
type Signal[P comparable] struct {
	// ID identifies the event across status transitions.
	ID string `json:"id"`

	// Status is the lifecycle state.
	Status Status `json:"-"`

	// Payload is the carried value.
	Payload P `json:"payload"`

	// CreatedAt is the time the payload was emitted.
	CreatedAt time.Time `json:"created_at"`
}

// New creates a Dispatching signal with a fresh ID.
func New[P comparable](payload P) Signal[P] {
	return Signal[P]{
		ID:        NewID(DefaultIDLength),
		Status:    Dispatching(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// WithStatus returns a copy of s carrying status.
func (s Signal[P]) WithStatus(status Status) Signal[P] {
	s.Status = status
	return s
}

// WithPayload returns a copy of s carrying payload.
func (s Signal[P]) WithPayload(payload P) Signal[P] {
	s.Payload = payload
	return s
}

// String renders a snapshot for log records.
func (s Signal[P]) String() string {
	return fmt.Sprintf("Signal{id: %s, status: %s, payload: %v}", s.ID, s.Status, s.Payload)
}

// SameEvent reports whether a and b are the same event.
func SameEvent[P comparable](a, b Signal[P]) bool {
	return a.ID == b.ID
}

// SameContent reports whether a and b carry the same payload.
func SameContent[P comparable](a, b Signal[P]) bool {
	return a.Payload == b.Payload
}

// NewID returns a random hex token of n characters (minimum 8, maximum 32).
func NewID(n int) string {
	if n < 8 {
		n = 8
	}
	if n > 32 {
		n = 32
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:n]
}
