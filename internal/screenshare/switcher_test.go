package screenshare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records the track bound as outgoing video.
type fakeSender struct {
	mu    sync.Mutex
	bound *media.Track
	binds int
}

func (f *fakeSender) ReplaceVideoTrack(t *media.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = t
	f.binds++
	return nil
}

func (f *fakeSender) current() *media.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound
}

type fixture struct {
	capturer *media.SampleCapturer
	acquirer *media.Acquirer
	sender   *fakeSender
	switcher *Switcher
	camera   *media.Track
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	capturer := media.NewSampleCapturer()
	acquirer := media.NewAcquirer(capturer, "https://class.example.com")
	stream, err := acquirer.Acquire(context.Background(), media.DefaultConstraints)
	require.NoError(t, err)

	sender := &fakeSender{bound: stream.VideoTrack()}
	return &fixture{
		capturer: capturer,
		acquirer: acquirer,
		sender:   sender,
		switcher: New(acquirer, capturer, sender),
		camera:   stream.VideoTrack(),
	}
}

func TestStartShareBindsDisplayOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.switcher.StartShare(context.Background()))

	bound := f.sender.current()
	require.NotNil(t, bound)
	assert.Equal(t, media.SourceDisplay, bound.Source())
	assert.Same(t, bound, f.switcher.OutgoingVideo())
	assert.True(t, f.switcher.Sharing())
	assert.True(t, f.camera.Stopped(), "camera must not stay live next to the display")
	assert.Nil(t, f.acquirer.Stream().VideoTrack())

	stats := f.capturer.Stats()
	assert.Equal(t, 2, stats.Held, "microphone and display")

	assert.ErrorIs(t, f.switcher.StartShare(context.Background()), ErrAlreadySharing)
}

func TestOutOfBandEndRestoresCameraWithPriorState(t *testing.T) {
	f := newFixture(t)
	f.camera.SetEnabled(false)

	var mu sync.Mutex
	var statuses []Status
	f.switcher.OnChange(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, st)
	})

	require.NoError(t, f.switcher.StartShare(context.Background()))
	display := f.sender.current()
	display.End()

	require.Eventually(t, func() bool {
		b := f.sender.current()
		return b != nil && b.Source() == media.SourceCamera
	}, 2*time.Second, 10*time.Millisecond)

	restored := f.sender.current()
	assert.False(t, restored.Enabled(), "video state from before the share is kept")
	assert.True(t, display.Stopped())
	assert.False(t, f.switcher.Sharing())
	assert.Same(t, restored, f.switcher.OutgoingVideo())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Sharing)
	assert.False(t, statuses[1].Sharing)
	assert.False(t, statuses[1].VideoEnabled)
	assert.NoError(t, statuses[1].Err)
}

func TestStopShareRestoresEnabledCamera(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.switcher.StartShare(context.Background()))
	require.NoError(t, f.switcher.StopShare(context.Background()))

	bound := f.sender.current()
	require.NotNil(t, bound)
	assert.Equal(t, media.SourceCamera, bound.Source())
	assert.True(t, bound.Enabled())
	assert.Equal(t, 2, f.capturer.Stats().Held, "camera and microphone")

	// no-op once stopped
	binds := f.sender.binds
	require.NoError(t, f.switcher.StopShare(context.Background()))
	assert.Equal(t, binds, f.sender.binds)
}

func TestRestoreFailureLeavesVideoDisabled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.switcher.StartShare(context.Background()))
	f.capturer.RemoveCamera()

	var last Status
	f.switcher.OnChange(func(st Status) { last = st })

	err := f.switcher.StopShare(context.Background())
	var rerr *HardwareReacquireError
	require.True(t, errors.As(err, &rerr))

	var me *media.MediaError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, media.KindDeviceNotFound, me.Kind)

	assert.Nil(t, f.sender.current())
	assert.False(t, f.switcher.Sharing())
	assert.False(t, last.VideoEnabled)
	assert.Equal(t, 1, f.capturer.Stats().Held, "only the microphone")
}

func TestDisplayCaptureFailureKeepsCamera(t *testing.T) {
	f := newFixture(t)
	f.capturer.FailDisplayMedia(media.ErrPermissionDenied)

	err := f.switcher.StartShare(context.Background())
	var me *media.MediaError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, media.KindPermissionDenied, me.Kind)

	assert.Same(t, f.camera, f.sender.current())
	assert.False(t, f.camera.Stopped())
	assert.False(t, f.switcher.Sharing())
}

func TestResetStopsDisplayWithoutRestoring(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.switcher.StartShare(context.Background()))
	display := f.sender.current()
	calls := f.capturer.Stats().UserMediaCalls

	f.switcher.Reset()

	assert.True(t, display.Stopped())
	assert.False(t, f.switcher.Sharing())
	assert.Equal(t, calls, f.capturer.Stats().UserMediaCalls)

	// a late end event is ignored
	display.End()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.capturer.Stats().UserMediaCalls)
}
