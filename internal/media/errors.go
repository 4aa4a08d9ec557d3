package media

import (
	"errors"
	"fmt"
)

// Errors a Capturer reports. They mirror the failure classes of browser
// capture APIs and are what Classify understands.
var (
	// ErrPermissionDenied indicates the user or policy refused access.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrNotSupported indicates the platform has no capture capability.
	ErrNotSupported = errors.New("capture not supported")

	// ErrInsecureContext indicates capture was refused for an insecure origin.
	ErrInsecureContext = errors.New("capture requires a secure origin")

	// ErrDeviceNotFound indicates no device matches the constraints.
	ErrDeviceNotFound = errors.New("capture device not found")
)

var (
	// ErrNoTrack indicates the stream holds no track of the requested kind.
	ErrNoTrack = errors.New("no track of requested kind")

	// ErrNothingRequested indicates constraints asked for neither audio nor video.
	ErrNothingRequested = errors.New("constraints request no media")
)

// ErrorKind classifies a MediaError for the user interface.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNotSupported     ErrorKind = "not-supported"
	KindHTTPSRequired    ErrorKind = "https-required"
	KindDeviceNotFound   ErrorKind = "device-not-found"
	KindUnknown          ErrorKind = "unknown"
)

// MediaError is the user-facing capture failure. Suggestions are
// remediation steps shown next to a retry action.
type MediaError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions"`
	Err         error     `json:"-"`
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Classify maps any capture failure to a MediaError.
func Classify(err error) *MediaError {
	if err == nil {
		return nil
	}
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return newMediaError(KindPermissionDenied, "camera or microphone access was denied", err)
	case errors.Is(err, ErrNotSupported):
		return newMediaError(KindNotSupported, "this device cannot capture audio or video", err)
	case errors.Is(err, ErrInsecureContext):
		return newMediaError(KindHTTPSRequired, "media capture requires a secure connection", err)
	case errors.Is(err, ErrDeviceNotFound):
		return newMediaError(KindDeviceNotFound, "no camera or microphone was found", err)
	default:
		return newMediaError(KindUnknown, "media capture failed", err)
	}
}

func newMediaError(kind ErrorKind, msg string, err error) *MediaError {
	return &MediaError{
		Kind:        kind,
		Message:     msg,
		Suggestions: suggestionsFor(kind),
		Err:         err,
	}
}

func suggestionsFor(kind ErrorKind) []string {
	switch kind {
	case KindPermissionDenied:
		return []string{
			"Allow camera and microphone access in the site settings",
			"Check that no system privacy setting blocks the devices",
			"Retry after granting access",
		}
	case KindNotSupported:
		return []string{
			"Use a current version of Chrome, Firefox, Safari or Edge",
			"Join from a device with a camera and microphone",
		}
	case KindHTTPSRequired:
		return []string{
			"Open the lesson over https://",
			"Use localhost when testing on this machine",
			"Ask the administrator to serve the site with TLS",
		}
	case KindDeviceNotFound:
		return []string{
			"Connect a camera or microphone",
			"Close other applications that may be using the device",
			"Retry after reconnecting the device",
		}
	default:
		return []string{
			"Reload the page",
			"Retry joining the lesson",
		}
	}
}
