package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPeerConnection indicates no connection exists for the session.
	ErrNoPeerConnection = errors.New("no peer connection")

	// ErrAlreadyOpen indicates Open was called on an open manager.
	ErrAlreadyOpen = errors.New("peer connection already open")

	// ErrClosed indicates the manager was closed, possibly mid-operation.
	ErrClosed = errors.New("peer connection closed")

	// ErrCandidateQueueFull indicates an early candidate was dropped.
	ErrCandidateQueueFull = errors.New("pending candidate queue full")
)

// NegotiationError wraps a malformed or out-of-order description or
// candidate. It is logged and absorbed; the call stays up.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s failed: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
