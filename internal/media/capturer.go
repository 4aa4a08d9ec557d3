package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds an acquisition captures.
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// DefaultConstraints captures camera and microphone.
var DefaultConstraints = Constraints{Video: true, Audio: true}

// Capturer is the platform capture primitive. Implementations report
// failures with the sentinel errors of this package.
type Capturer interface {
	// UserMedia opens the camera and/or microphone.
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)

	// DisplayMedia opens a display capture with a single video track.
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// CaptureStats counts device activity of a SampleCapturer.
type CaptureStats struct {
	UserMediaCalls    int
	DisplayMediaCalls int
	Held              int // device locks currently held
	Acquired          int
	Released          int
}

// SampleCapturer produces pion sample tracks (VP8 video, Opus audio)
// that the caller feeds with WriteSample. It keeps a count of held
// device locks so leaks are observable.
type SampleCapturer struct {
	mu         sync.Mutex
	userErr    error
	displayErr error
	noCamera   bool
	stats      CaptureStats
}

// NewSampleCapturer returns a capturer with a camera, a microphone and
// a display source.
func NewSampleCapturer() *SampleCapturer {
	return &SampleCapturer{}
}

// FailUserMedia makes subsequent UserMedia calls return err. Pass nil to
// clear.
func (c *SampleCapturer) FailUserMedia(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userErr = err
}

// FailDisplayMedia makes subsequent DisplayMedia calls return err.
func (c *SampleCapturer) FailDisplayMedia(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayErr = err
}

// RemoveCamera simulates a machine without a camera.
func (c *SampleCapturer) RemoveCamera() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noCamera = true
}

// Stats returns a snapshot of the device counters.
func (c *SampleCapturer) Stats() CaptureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *SampleCapturer) UserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	c.mu.Lock()
	c.stats.UserMediaCalls++
	failure, noCamera := c.userErr, c.noCamera
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if !cons.Video && !cons.Audio {
		return nil, ErrNothingRequested
	}
	if cons.Video && noCamera {
		return nil, fmt.Errorf("%w: camera", ErrDeviceNotFound)
	}

	streamID := "stream-" + uuid.New().String()
	var tracks []*Track
	if cons.Video {
		t, err := c.newTrack(KindVideo, SourceCamera, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if cons.Audio {
		t, err := c.newTrack(KindAudio, SourceMicrophone, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return NewStream(tracks...), nil
}

func (c *SampleCapturer) DisplayMedia(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	c.stats.DisplayMediaCalls++
	failure := c.displayErr
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}

	t, err := c.newTrack(KindVideo, SourceDisplay, webrtc.MimeTypeVP8, "display-"+uuid.New().String())
	if err != nil {
		return nil, err
	}
	return NewStream(t), nil
}

func (c *SampleCapturer) newTrack(kind Kind, source Source, mime, streamID string) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: mime}
	if kind == KindAudio {
		capability.ClockRate = 48000
		capability.Channels = 2
	} else {
		capability.ClockRate = 90000
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, fmt.Sprintf("%s-%s", source, uuid.New().String()), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}

	c.mu.Lock()
	c.stats.Held++
	c.stats.Acquired++
	c.mu.Unlock()

	return NewTrack(kind, source, local, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stats.Held--
		c.stats.Released++
	}), nil
}

func stopAll(tracks []*Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
