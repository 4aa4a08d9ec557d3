package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSubscribed indicates an operation that needs a live subscription.
	ErrNotSubscribed = errors.New("channel not subscribed")

	// ErrAlreadySubscribed indicates Subscribe was called twice.
	ErrAlreadySubscribed = errors.New("channel already subscribed")

	// ErrTransportClosed indicates the transport was shut down.
	ErrTransportClosed = errors.New("transport closed")
)

// Reasons a message is discarded before dispatch.
var (
	ErrSelfMessage  = errors.New("message sent by local participant")
	ErrForeignClass = errors.New("message for another class")
	ErrNotAddressed = errors.New("message addressed to another participant")
)

// SignalingError reports a transport failure that survived every retry.
type SignalingError struct {
	Op       string
	ClassID  string
	Attempts int
	Err      error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s on class %s failed after %d attempts: %v", e.Op, e.ClassID, e.Attempts, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
