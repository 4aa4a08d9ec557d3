package call

import "errors"

var (
	// ErrCallInProgress indicates a call or listen is already active.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoCall indicates the operation needs an active call.
	ErrNoCall = errors.New("no active call")

	// ErrCallEnded indicates the call ended while the operation was
	// suspended.
	ErrCallEnded = errors.New("call ended")

	// ErrNotResponder indicates Listen was called for an initiator.
	ErrNotResponder = errors.New("only a responder can listen")

	// ErrInvalidIdentity indicates a missing identity field.
	ErrInvalidIdentity = errors.New("invalid call identity")

	// ErrSharingActive indicates video cannot be toggled during a share.
	ErrSharingActive = errors.New("video is replaced by an active screen share")
)
