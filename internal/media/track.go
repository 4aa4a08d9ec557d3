package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is the device a track captures from.
type Source string

const (
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
	SourceDisplay    Source = "display"
)

// Track is one captured track. It owns a device lock that is released
// exactly once, on the first Stop or End.
type Track struct {
	id      string
	kind    Kind
	source  Source
	local   webrtc.TrackLocal
	release func()

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

// NewTrack wraps a pion local track. release is called once when the
// track stops.
func NewTrack(kind Kind, source Source, local webrtc.TrackLocal, release func()) *Track {
	id := uuid.New().String()
	if local != nil {
		id = local.ID()
	}
	return &Track{
		id:      id,
		kind:    kind,
		source:  source,
		local:   local,
		release: release,
		enabled: true,
	}
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Source() Source           { return t.source }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether samples written to the track are forwarded.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// SetEnabled mutes or unmutes the track in place.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Stopped reports whether the device behind the track was released.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers fn to run when the source ends outside the
// application. An explicit Stop does not run it.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// Stop releases the device. Safe to call more than once.
func (t *Track) Stop() {
	t.stop()
}

// End reports that the source went away on its own (the user revoked a
// display share, a device was unplugged). It stops the track and runs
// the ended hooks.
func (t *Track) End() {
	if !t.stop() {
		return
	}
	t.mu.Lock()
	hooks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *Track) stop() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	release := t.release
	t.mu.Unlock()

	if release != nil {
		release()
	}
	return true
}

// WriteSample forwards a sample when the track is live and enabled.
// Disabled tracks drop samples silently.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	sampleTrack, ok := t.local.(*webrtc.TrackLocalStaticSample)
	if !ok {
		return ErrNotSupported
	}
	return sampleTrack.WriteSample(s)
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

// NewStream returns a stream holding tracks.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.New().String(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the track list.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first live track of kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind && !t.Stopped() {
			return t
		}
	}
	return nil
}

// VideoTrack returns the live video track, or nil.
func (s *Stream) VideoTrack() *Track { return s.Track(KindVideo) }

// AudioTrack returns the live audio track, or nil.
func (s *Stream) AudioTrack() *Track { return s.Track(KindAudio) }

// AddTrack appends t to the stream.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// RemoveTrack drops t from the stream without stopping it.
func (s *Stream) RemoveTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop stops every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
