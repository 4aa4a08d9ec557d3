// Package screenshare swaps the outgoing video source between the camera
// and a display capture.
package screenshare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadySharing is returned by StartShare while a share is live.
	ErrAlreadySharing = errors.New("screen share already active")

	// ErrNoDisplayTrack indicates the display capture had no video.
	ErrNoDisplayTrack = errors.New("display capture returned no video track")
)

// HardwareReacquireError reports that the camera could not be restored
// after a share ended. Video stays disabled; the call continues.
type HardwareReacquireError struct {
	Err *media.MediaError
}

func (e *HardwareReacquireError) Error() string {
	return fmt.Sprintf("failed to restore camera after screen share: %v", e.Err)
}

func (e *HardwareReacquireError) Unwrap() error { return e.Err }

// VideoSender is the outgoing video binding of a peer connection.
type VideoSender interface {
	ReplaceVideoTrack(t *media.Track) error
}

// Status describes the switcher after a change.
type Status struct {
	Sharing      bool
	VideoEnabled bool
	Err          error
}

// Switcher binds either the camera or a display track as outgoing video,
// never both.
type Switcher struct {
	acquirer *media.Acquirer
	capturer media.Capturer
	sender   VideoSender

	mu          sync.Mutex
	display     *media.Track
	prevEnabled bool
	gen         uint64
	observers   []func(Status)
}

// New returns a Switcher for one call session.
func New(acquirer *media.Acquirer, capturer media.Capturer, sender VideoSender) *Switcher {
	return &Switcher{
		acquirer: acquirer,
		capturer: capturer,
		sender:   sender,
	}
}

// OnChange registers fn for share start, stop and fallback failures.
func (s *Switcher) OnChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Sharing reports whether a display track is the outgoing video.
func (s *Switcher) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display != nil
}

// OutgoingVideo returns the track that is the outgoing video source:
// the display while sharing, otherwise the live camera track.
func (s *Switcher) OutgoingVideo() *media.Track {
	s.mu.Lock()
	display := s.display
	s.mu.Unlock()
	if display != nil {
		return display
	}
	if st := s.acquirer.Stream(); st != nil {
		return st.VideoTrack()
	}
	return nil
}

// StartShare captures the display and binds it in place of the camera.
func (s *Switcher) StartShare(ctx context.Context) error {
	s.mu.Lock()
	if s.display != nil {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	gen := s.gen
	s.mu.Unlock()

	captured, err := s.capturer.DisplayMedia(ctx)
	if err != nil {
		me := media.Classify(err)
		logrus.WithFields(logrus.Fields{
			"function": "StartShare",
			"kind":     me.Kind,
			"error":    err.Error(),
		}).Warn("Display capture failed")
		return me
	}
	display := captured.VideoTrack()
	if display == nil {
		captured.Stop()
		return ErrNoDisplayTrack
	}

	s.mu.Lock()
	if s.gen != gen || s.display != nil {
		s.mu.Unlock()
		display.Stop()
		return ErrAlreadySharing
	}
	s.mu.Unlock()

	prevEnabled := false
	if st := s.acquirer.Stream(); st != nil {
		if cam := st.VideoTrack(); cam != nil {
			prevEnabled = cam.Enabled()
		}
	}

	if err := s.sender.ReplaceVideoTrack(display); err != nil {
		display.Stop()
		return fmt.Errorf("failed to bind display track: %w", err)
	}
	s.acquirer.ReleaseVideo()

	s.mu.Lock()
	s.gen++
	s.display = display
	s.prevEnabled = prevEnabled
	s.mu.Unlock()

	display.OnEnded(func() { s.endedOutOfBand(display) })

	logrus.WithFields(logrus.Fields{
		"function":      "StartShare",
		"track_id":      display.ID(),
		"video_enabled": prevEnabled,
	}).Info("Screen share started")

	s.notify(Status{Sharing: true, VideoEnabled: prevEnabled})
	return nil
}

// StopShare unbinds the display and restores the camera with the video
// state from before the share. It is a no-op when not sharing.
func (s *Switcher) StopShare(ctx context.Context) error {
	display, prevEnabled, gen, ok := s.takeDisplay()
	if !ok {
		return nil
	}
	return s.restoreCamera(ctx, display, prevEnabled, gen)
}

func (s *Switcher) endedOutOfBand(display *media.Track) {
	s.mu.Lock()
	if s.display != display {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "endedOutOfBand",
		"track_id": display.ID(),
	}).Info("Screen share ended outside the application")

	taken, prevEnabled, gen, ok := s.takeDisplay()
	if !ok || taken != display {
		return
	}
	// the end hook runs on the capture side; restore off that path
	go s.restoreCamera(context.Background(), taken, prevEnabled, gen)
}

func (s *Switcher) takeDisplay() (*media.Track, bool, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display == nil {
		return nil, false, 0, false
	}
	display := s.display
	s.display = nil
	s.gen++
	return display, s.prevEnabled, s.gen, true
}

func (s *Switcher) restoreCamera(ctx context.Context, display *media.Track, enabled bool, gen uint64) error {
	cam, err := s.acquirer.RestoreVideo(ctx, enabled)

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		// reset while restoring; the call is gone
		if err == nil {
			s.acquirer.ReleaseVideo()
		}
		display.Stop()
		return nil
	}

	if err != nil {
		var me *media.MediaError
		if !errors.As(err, &me) {
			me = media.Classify(err)
		}
		rerr := &HardwareReacquireError{Err: me}
		if uerr := s.sender.ReplaceVideoTrack(nil); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "restoreCamera",
				"error":    uerr.Error(),
			}).Warn("Failed to unbind display track")
		}
		display.Stop()

		logrus.WithFields(logrus.Fields{
			"function": "restoreCamera",
			"kind":     me.Kind,
			"error":    rerr.Error(),
		}).Error("Camera could not be restored")

		s.notify(Status{Sharing: false, VideoEnabled: false, Err: rerr})
		return rerr
	}

	if err := s.sender.ReplaceVideoTrack(cam); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restoreCamera",
			"error":    err.Error(),
		}).Warn("Failed to bind camera track")
	}
	display.Stop()

	logrus.WithFields(logrus.Fields{
		"function":      "restoreCamera",
		"track_id":      cam.ID(),
		"video_enabled": enabled,
	}).Info("Screen share stopped, camera restored")

	s.notify(Status{Sharing: false, VideoEnabled: enabled})
	return nil
}

// Reset stops any display capture without restoring the camera.
func (s *Switcher) Reset() {
	s.mu.Lock()
	display := s.display
	s.display = nil
	s.gen++
	s.observers = nil
	s.mu.Unlock()
	if display != nil {
		display.Stop()
	}
}

func (s *Switcher) notify(st Status) {
	s.mu.Lock()
	fns := append([]func(Status){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
