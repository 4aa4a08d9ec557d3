package call

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a call.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

// Role decides which participant creates the offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Identity is supplied once at call start.
type Identity struct {
	Role     Role   `json:"role"`
	LocalID  string `json:"localId"`
	RemoteID string `json:"remoteId"`
	ClassID  string `json:"classId"`
}

// Validate checks that every field is set.
func (id Identity) Validate() error {
	switch {
	case id.Role != RoleInitiator && id.Role != RoleResponder:
		return fmt.Errorf("%w: role %q", ErrInvalidIdentity, id.Role)
	case id.LocalID == "":
		return fmt.Errorf("%w: missing local id", ErrInvalidIdentity)
	case id.RemoteID == "":
		return fmt.Errorf("%w: missing remote id", ErrInvalidIdentity)
	case id.ClassID == "":
		return fmt.Errorf("%w: missing class id", ErrInvalidIdentity)
	}
	return nil
}

// MediaState is what the participant has switched on.
type MediaState struct {
	VideoEnabled  bool `json:"videoEnabled"`
	AudioEnabled  bool `json:"audioEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// DefaultMediaState is the state at call start and after a call ends.
var DefaultMediaState = MediaState{VideoEnabled: true, AudioEnabled: true}

// Session is one call attempt.
type Session struct {
	ID          string    `json:"id"`
	Identity    Identity  `json:"identity"`
	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// TimeProvider abstracts the clock for duration computation.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns time.Now().
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns time.Since(t).
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
