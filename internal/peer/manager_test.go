package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/mossy-p/webrtc-classroom/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendLog records messages instead of publishing them.
type sendLog struct {
	mu   sync.Mutex
	msgs []models.SignalMessage
}

func (s *sendLog) Send(_ context.Context, msg models.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sendLog) ofType(t models.SignalType) []models.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(Config{PLIInterval: time.Second}, nil)
	require.NoError(t, err)
	return api
}

func newStream(t *testing.T) *media.Stream {
	t.Helper()
	s, err := media.NewSampleCapturer().UserMedia(context.Background(), media.DefaultConstraints)
	require.NoError(t, err)
	return s
}

func hostCandidate(t *testing.T, from, to string, port int) models.SignalMessage {
	t.Helper()
	mid := "0"
	idx := uint16(0)
	msg, err := models.NewCandidate(from, to, "C1", models.CandidateDescriptor{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 192.0.2.10 %d typ host", port),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	require.NoError(t, err)
	return msg
}

// remoteOffer builds an offer from an independent pion connection.
func remoteOffer(t *testing.T, api *webrtc.API) string {
	t.Helper()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer.SDP
}

func TestQualityFor(t *testing.T) {
	tests := []struct {
		state webrtc.PeerConnectionState
		want  Quality
	}{
		{webrtc.PeerConnectionStateNew, QualityGood},
		{webrtc.PeerConnectionStateConnecting, QualityGood},
		{webrtc.PeerConnectionStateConnected, QualityExcellent},
		{webrtc.PeerConnectionStateDisconnected, QualityPoor},
		{webrtc.PeerConnectionStateFailed, QualityDisconnected},
		{webrtc.PeerConnectionStateClosed, QualityDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, QualityFor(tt.state))
		})
	}
}

func TestCandidateWithoutConnectionIsDropped(t *testing.T) {
	m := NewManager(newTestAPI(t), webrtc.Configuration{}, Options{
		LocalID: "student-1", RemoteID: "teacher-1", ClassID: "C1", Sender: &sendLog{},
	})

	err := m.HandleCandidate(context.Background(), hostCandidate(t, "teacher-1", "student-1", 50000))
	assert.ErrorIs(t, err, ErrNoPeerConnection)
	assert.Equal(t, 0, m.PendingCandidates())
	assert.Equal(t, StateNew, m.State())
}

func TestEarlyCandidatesQueueUntilRemoteDescription(t *testing.T) {
	api := newTestAPI(t)
	sent := &sendLog{}
	m := NewManager(api, webrtc.Configuration{}, Options{
		LocalID: "student-1", RemoteID: "teacher-1", ClassID: "C1", Sender: sent, QueueLimit: 2,
	})
	require.NoError(t, m.Open(newStream(t)))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.HandleCandidate(ctx, hostCandidate(t, "teacher-1", "student-1", 50000)))
	require.NoError(t, m.HandleCandidate(ctx, hostCandidate(t, "teacher-1", "student-1", 50001)))
	assert.ErrorIs(t, m.HandleCandidate(ctx, hostCandidate(t, "teacher-1", "student-1", 50002)), ErrCandidateQueueFull)
	assert.Equal(t, 2, m.PendingCandidates())

	require.NoError(t, m.HandleOffer(ctx, models.NewOffer("teacher-1", "student-1", "C1", remoteOffer(t, api))))
	assert.Equal(t, 0, m.PendingCandidates())

	answers := sent.ofType(models.SignalTypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "student-1", answers[0].From)
	assert.Equal(t, "teacher-1", answers[0].To)
	assert.Equal(t, "C1", answers[0].ClassID)
	assert.Equal(t, StateStable, stableOrBeyond(m.State()))
}

// stableOrBeyond folds post-negotiation connectivity states into stable.
func stableOrBeyond(s State) State {
	switch s {
	case StateConnected, StateDisconnected, StateFailed:
		return StateStable
	}
	return s
}

func TestMalformedOfferKeepsConnection(t *testing.T) {
	m := NewManager(newTestAPI(t), webrtc.Configuration{}, Options{
		LocalID: "student-1", RemoteID: "teacher-1", ClassID: "C1", Sender: &sendLog{},
	})
	require.NoError(t, m.Open(newStream(t)))
	defer m.Close()

	err := m.HandleOffer(context.Background(), models.NewOffer("teacher-1", "student-1", "C1", "not sdp"))
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "set-remote-offer", nerr.Op)
	assert.Equal(t, StateNew, m.State())
}

func TestCreateOfferSendsOffer(t *testing.T) {
	sent := &sendLog{}
	m := NewManager(newTestAPI(t), webrtc.Configuration{}, Options{
		LocalID: "teacher-1", RemoteID: "student-1", ClassID: "C1", Sender: sent,
	})
	assert.ErrorIs(t, m.CreateOffer(context.Background()), ErrNoPeerConnection)

	require.NoError(t, m.Open(newStream(t)))
	defer m.Close()
	require.NoError(t, m.CreateOffer(context.Background()))

	offers := sent.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "teacher-1", offers[0].From)
	assert.Equal(t, "student-1", offers[0].To)
	sdp, err := offers[0].SDP()
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=video")
	assert.Contains(t, sdp, "m=audio")
	assert.Equal(t, StateHaveLocalOffer, m.State())
}

func TestOpenWithoutVideoStillAllowsReplace(t *testing.T) {
	s, err := media.NewSampleCapturer().UserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)

	m := NewManager(newTestAPI(t), webrtc.Configuration{}, Options{
		LocalID: "teacher-1", RemoteID: "student-1", ClassID: "C1", Sender: &sendLog{},
	})
	require.NoError(t, m.Open(s))
	defer m.Close()

	cam := newStream(t).VideoTrack()
	require.NoError(t, m.ReplaceVideoTrack(cam))
	require.NoError(t, m.ReplaceVideoTrack(nil))
	assert.ErrorIs(t, m.Open(s), ErrAlreadyOpen)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(newTestAPI(t), webrtc.Configuration{}, Options{
		LocalID: "teacher-1", RemoteID: "student-1", ClassID: "C1", Sender: &sendLog{},
	})
	require.NoError(t, m.Open(newStream(t)))
	require.NoError(t, m.HandleCandidate(context.Background(), hostCandidate(t, "student-1", "teacher-1", 50000)))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, QualityDisconnected, m.Quality())
	assert.Equal(t, 0, m.PendingCandidates())
	assert.ErrorIs(t, m.HandleCandidate(context.Background(), hostCandidate(t, "student-1", "teacher-1", 50001)), ErrNoPeerConnection)
	assert.ErrorIs(t, m.ReplaceVideoTrack(nil), ErrNoPeerConnection)
	assert.ErrorIs(t, m.Open(nil), ErrClosed)
}

// TestNegotiationOverChannels runs offer, answer and candidates between
// two managers over in-memory signaling.
func TestNegotiationOverChannels(t *testing.T) {
	api := newTestAPI(t)
	hub := signaling.NewMemoryHub()
	defer hub.Close()

	teacherCh := signaling.NewChannel(hub, "teacher-1")
	studentCh := signaling.NewChannel(hub, "student-1")

	teacher := NewManager(api, webrtc.Configuration{}, Options{
		LocalID: "teacher-1", RemoteID: "student-1", ClassID: "C1", Sender: teacherCh,
	})
	student := NewManager(api, webrtc.Configuration{}, Options{
		LocalID: "student-1", RemoteID: "teacher-1", ClassID: "C1", Sender: studentCh,
	})
	defer teacher.Close()
	defer student.Close()

	ctx := context.Background()
	require.NoError(t, teacherCh.Subscribe(ctx, "C1", signaling.Handlers{
		Answer:    func(ctx context.Context, m models.SignalMessage) { teacher.HandleAnswer(ctx, m) },
		Candidate: func(ctx context.Context, m models.SignalMessage) { teacher.HandleCandidate(ctx, m) },
	}))
	defer teacherCh.Unsubscribe()
	require.NoError(t, studentCh.Subscribe(ctx, "C1", signaling.Handlers{
		Offer:     func(ctx context.Context, m models.SignalMessage) { student.HandleOffer(ctx, m) },
		Candidate: func(ctx context.Context, m models.SignalMessage) { student.HandleCandidate(ctx, m) },
	}))
	defer studentCh.Unsubscribe()

	require.NoError(t, student.Open(newStream(t)))
	require.NoError(t, teacher.Open(newStream(t)))
	require.NoError(t, teacher.CreateOffer(ctx))

	negotiated := func(m *Manager) bool {
		return stableOrBeyond(m.State()) == StateStable
	}
	assert.Eventually(t, func() bool { return negotiated(teacher) && negotiated(student) },
		5*time.Second, 20*time.Millisecond)
}
