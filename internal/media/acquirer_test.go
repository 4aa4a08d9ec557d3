package media

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRefusesBareIPWithoutTLS(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "http://203.0.113.7:8080")

	s, err := a.Acquire(context.Background(), DefaultConstraints)
	require.Error(t, err)
	assert.Nil(t, s)

	var me *MediaError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, KindHTTPSRequired, me.Kind)
	assert.NotEmpty(t, me.Suggestions)
	assert.ErrorIs(t, err, ErrInsecureContext)
	assert.Equal(t, 0, capturer.Stats().UserMediaCalls, "capture primitive must not be invoked")
	assert.Equal(t, me, a.LastError())
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		refused bool
	}{
		{"", false},
		{"http://localhost:3000", false},
		{"http://class.example.com", false},
		{"http://127.0.0.1:8080", false},
		{"http://[::1]:8080", false},
		{"http://192.168.1.20", false},
		{"http://10.1.2.3", false},
		{"http://172.16.0.9", false},
		{"https://203.0.113.7", false},
		{"http://203.0.113.7", true},
		{"http://[2001:db8::1]:8080", true},
		{"http://[::ffff:8.8.8.8]", true},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			err := CheckOrigin(tt.origin)
			if tt.refused {
				assert.ErrorIs(t, err, ErrInsecureContext)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("NotAllowedError: %w", ErrPermissionDenied), KindPermissionDenied},
		{ErrNotSupported, KindNotSupported},
		{ErrInsecureContext, KindHTTPSRequired},
		{fmt.Errorf("%w: camera", ErrDeviceNotFound), KindDeviceNotFound},
		{errors.New("driver crashed"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			me := Classify(tt.err)
			require.NotNil(t, me)
			assert.Equal(t, tt.want, me.Kind)
			assert.NotEmpty(t, me.Suggestions)
			assert.Same(t, me, Classify(me))
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestReacquireStopsPreviousStream(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "https://class.example.com")
	ctx := context.Background()

	first, err := a.Acquire(ctx, DefaultConstraints)
	require.NoError(t, err)
	assert.Equal(t, 2, capturer.Stats().Held)

	second, err := a.Acquire(ctx, DefaultConstraints)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	for _, tr := range first.Tracks() {
		assert.True(t, tr.Stopped())
	}
	assert.Equal(t, 2, capturer.Stats().Held, "never two concurrent device locks")
	assert.Equal(t, 2, capturer.Stats().Released)
}

func TestToggleInPlace(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "")
	ctx := context.Background()

	s, err := a.Acquire(ctx, DefaultConstraints)
	require.NoError(t, err)

	enabled, err := a.Toggle(ctx, KindAudio)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, s.AudioTrack().Enabled())

	enabled, err = a.Toggle(ctx, KindAudio)
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = a.Toggle(ctx, KindVideo)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, 1, capturer.Stats().UserMediaCalls, "toggling never re-acquires an existing track")
}

func TestToggleVideoWithoutStreamReacquires(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "")
	var changes int
	a.OnStreamChange(func(*Stream) { changes++ })

	enabled, err := a.Toggle(context.Background(), KindVideo)
	require.NoError(t, err)
	assert.True(t, enabled)
	require.NotNil(t, a.Stream())
	assert.NotNil(t, a.Stream().VideoTrack())
	assert.Equal(t, 1, changes)

	a.Release()
	_, err = a.Toggle(context.Background(), KindAudio)
	assert.ErrorIs(t, err, ErrNoTrack)
}

func TestRetryClearsError(t *testing.T) {
	capturer := NewSampleCapturer()
	capturer.FailUserMedia(ErrPermissionDenied)
	a := NewAcquirer(capturer, "")
	ctx := context.Background()

	_, err := a.Acquire(ctx, DefaultConstraints)
	require.Error(t, err)
	require.NotNil(t, a.LastError())
	assert.Equal(t, KindPermissionDenied, a.LastError().Kind)

	capturer.FailUserMedia(nil)
	s, err := a.Retry(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s.VideoTrack())
	assert.NotNil(t, s.AudioTrack())
	assert.Nil(t, a.LastError())
}

func TestReleaseAndRestoreVideo(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "")
	ctx := context.Background()

	s, err := a.Acquire(ctx, DefaultConstraints)
	require.NoError(t, err)
	s.VideoTrack().SetEnabled(false)

	assert.False(t, a.ReleaseVideo())
	assert.Nil(t, s.VideoTrack())
	assert.NotNil(t, s.AudioTrack(), "audio stays live")
	assert.Equal(t, 1, capturer.Stats().Held)

	track, err := a.RestoreVideo(ctx, false)
	require.NoError(t, err)
	assert.False(t, track.Enabled())
	assert.Same(t, track, s.VideoTrack())
	assert.Equal(t, 2, capturer.Stats().Held)
}

func TestReleaseIsIdempotent(t *testing.T) {
	capturer := NewSampleCapturer()
	a := NewAcquirer(capturer, "")

	_, err := a.Acquire(context.Background(), DefaultConstraints)
	require.NoError(t, err)

	a.Release()
	a.Release()
	stats := capturer.Stats()
	assert.Equal(t, 0, stats.Held)
	assert.Equal(t, 2, stats.Released)
}

func TestTrackEndRunsHooksOnce(t *testing.T) {
	var released, ended int
	tr := NewTrack(KindVideo, SourceDisplay, nil, func() { released++ })
	tr.OnEnded(func() { ended++ })

	tr.End()
	tr.End()
	tr.Stop()

	assert.Equal(t, 1, released)
	assert.Equal(t, 1, ended)

	quiet := NewTrack(KindVideo, SourceDisplay, nil, nil)
	quiet.OnEnded(func() { ended++ })
	quiet.Stop()
	quiet.End()
	assert.Equal(t, 1, ended, "explicit stop does not fire ended hooks")
}
