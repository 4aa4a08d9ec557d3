package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Acquirer owns the local capture stream of a participant. At most one
// stream is live at a time; a new acquisition stops the previous one
// before opening devices again.
type Acquirer struct {
	capturer Capturer
	origin   string

	mu          sync.Mutex
	stream      *Stream
	lastErr     *MediaError
	constraints Constraints
	observers   []func(*Stream)
}

// NewAcquirer returns an Acquirer capturing through c for a call served
// from origin.
func NewAcquirer(c Capturer, origin string) *Acquirer {
	return &Acquirer{
		capturer:    c,
		origin:      origin,
		constraints: DefaultConstraints,
	}
}

// OnStreamChange registers fn to run after the live stream is replaced
// or a track is swapped into it.
func (a *Acquirer) OnStreamChange(fn func(*Stream)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Stream returns the live stream, or nil.
func (a *Acquirer) Stream() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// LastError returns the failure of the latest acquisition, if any.
func (a *Acquirer) LastError() *MediaError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Acquire captures a new stream. Failures are returned as *MediaError.
func (a *Acquirer) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Acquire",
		"video":    c.Video,
		"audio":    c.Audio,
	}).Debug("Acquiring local media")

	if err := CheckOrigin(a.origin); err != nil {
		me := Classify(err)
		a.setError(me)
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"origin":   a.origin,
		}).Warn("Refusing capture for insecure origin")
		return nil, me
	}

	a.mu.Lock()
	prev := a.stream
	a.stream = nil
	a.constraints = c
	a.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	s, err := a.capturer.UserMedia(ctx, c)
	if err != nil {
		me := Classify(err)
		a.setError(me)
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"kind":     me.Kind,
			"error":    err.Error(),
		}).Warn("Media acquisition failed")
		return nil, me
	}

	a.mu.Lock()
	replaced := a.stream
	a.stream = s
	a.lastErr = nil
	observers := a.observers
	a.mu.Unlock()
	if replaced != nil {
		// a concurrent acquisition finished first; keep only ours
		replaced.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"stream_id": s.ID(),
		"tracks":    len(s.Tracks()),
	}).Info("Local media acquired")

	notify(observers, s)
	return s, nil
}

// Toggle flips the track of kind in place and returns its new state.
// Enabling video with no video track re-acquires the camera.
func (a *Acquirer) Toggle(ctx context.Context, kind Kind) (bool, error) {
	a.mu.Lock()
	s := a.stream
	audio := a.constraints.Audio
	a.mu.Unlock()

	if s != nil {
		if t := s.Track(kind); t != nil {
			t.SetEnabled(!t.Enabled())
			logrus.WithFields(logrus.Fields{
				"function": "Toggle",
				"kind":     kind,
				"enabled":  t.Enabled(),
			}).Debug("Track toggled")
			return t.Enabled(), nil
		}
	}

	if kind != KindVideo {
		return false, fmt.Errorf("toggle %s: %w", kind, ErrNoTrack)
	}

	if s != nil {
		if _, err := a.RestoreVideo(ctx, true); err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := a.Acquire(ctx, Constraints{Video: true, Audio: audio}); err != nil {
		return false, err
	}
	return true, nil
}

// Retry clears the last error and acquires with default constraints.
func (a *Acquirer) Retry(ctx context.Context) (*Stream, error) {
	a.setError(nil)
	return a.Acquire(ctx, DefaultConstraints)
}

// ReleaseVideo stops and removes the camera track, keeping audio live.
// It reports whether the released track was enabled.
func (a *Acquirer) ReleaseVideo() (wasEnabled bool) {
	a.mu.Lock()
	s := a.stream
	a.mu.Unlock()
	if s == nil {
		return false
	}
	t := s.VideoTrack()
	if t == nil {
		return false
	}
	wasEnabled = t.Enabled()
	s.RemoveTrack(t)
	t.Stop()
	return wasEnabled
}

// RestoreVideo captures a camera track and adds it to the live stream
// (creating one when none exists) with the given enabled state.
func (a *Acquirer) RestoreVideo(ctx context.Context, enabled bool) (*Track, error) {
	if err := CheckOrigin(a.origin); err != nil {
		me := Classify(err)
		a.setError(me)
		return nil, me
	}

	captured, err := a.capturer.UserMedia(ctx, Constraints{Video: true})
	if err != nil {
		me := Classify(err)
		a.setError(me)
		return nil, me
	}
	t := captured.VideoTrack()
	if t == nil {
		captured.Stop()
		me := Classify(fmt.Errorf("%w: capture returned no video", ErrDeviceNotFound))
		a.setError(me)
		return nil, me
	}
	t.SetEnabled(enabled)

	a.mu.Lock()
	s := a.stream
	if s == nil {
		s = NewStream()
		a.stream = s
	}
	var stale *Track
	if old := s.VideoTrack(); old != nil {
		s.RemoveTrack(old)
		stale = old
	}
	s.AddTrack(t)
	a.lastErr = nil
	observers := a.observers
	a.mu.Unlock()
	if stale != nil {
		stale.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "RestoreVideo",
		"track_id": t.ID(),
		"enabled":  enabled,
	}).Info("Camera restored")

	notify(observers, s)
	return t, nil
}

// Release stops the live stream. Safe to call more than once.
func (a *Acquirer) Release() {
	a.mu.Lock()
	s := a.stream
	a.stream = nil
	a.constraints = DefaultConstraints
	a.mu.Unlock()
	if s != nil {
		s.Stop()
		logrus.WithFields(logrus.Fields{
			"function":  "Release",
			"stream_id": s.ID(),
		}).Debug("Local media released")
	}
}

func (a *Acquirer) setError(me *MediaError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = me
}

func notify(observers []func(*Stream), s *Stream) {
	for _, fn := range observers {
		fn(s)
	}
}
