package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueLimit    = 32
	candidateSendTimeout = 5 * time.Second
)

// Sender publishes signaling messages to the remote participant.
type Sender interface {
	Send(ctx context.Context, msg models.SignalMessage) error
}

// Options identifies the two parties of a Manager.
type Options struct {
	LocalID    string
	RemoteID   string
	ClassID    string
	Sender     Sender
	QueueLimit int
}

// RemoteStats counts RTP received on the remote tracks.
type RemoteStats struct {
	Packets         uint64
	Bytes           uint64
	LastSequence    uint16
	LastTimestamp   uint32
	LastPayloadType uint8
}

// Manager owns at most one peer connection for a call session. It is
// single use: once closed it stays closed.
type Manager struct {
	api    *webrtc.API
	config webrtc.Configuration
	opts   Options

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	videoSender  *webrtc.RTPSender
	audioSender  *webrtc.RTPSender
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	connState    webrtc.PeerConnectionState
	quality      Quality
	remoteTracks map[string]*webrtc.TrackRemote
	stats        RemoteStats
	done         chan struct{}
	closed       bool

	onState       []func(State)
	onQuality     []func(Quality)
	onRemoteTrack []func(bool)
}

// NewManager returns a Manager with no connection yet.
func NewManager(api *webrtc.API, config webrtc.Configuration, opts Options) *Manager {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = defaultQueueLimit
	}
	return &Manager{
		api:          api,
		config:       config,
		opts:         opts,
		quality:      QualityGood,
		remoteTracks: make(map[string]*webrtc.TrackRemote),
	}
}

// OnStateChange registers fn for connection state changes.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnQualityChange registers fn for quality changes.
func (m *Manager) OnQualityChange(fn func(Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuality = append(m.onQuality, fn)
}

// OnRemoteTrack registers fn, called with true when a remote track binds
// and with false when the last one goes away.
func (m *Manager) OnRemoteTrack(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = append(m.onRemoteTrack, fn)
}

// Open creates the peer connection and attaches the tracks of stream.
// A kind missing from stream still gets a sender so it can be bound
// later with ReplaceVideoTrack or ReplaceAudioTrack.
func (m *Manager) Open(stream *media.Stream) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.pc != nil:
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return err
	}

	var video, audio *media.Track
	if stream != nil {
		video = stream.VideoTrack()
		audio = stream.AudioTrack()
	}

	videoSender, err := addSender(pc, webrtc.RTPCodecTypeVideo, video)
	if err != nil {
		pc.Close()
		return err
	}
	audioSender, err := addSender(pc, webrtc.RTPCodecTypeAudio, audio)
	if err != nil {
		pc.Close()
		return err
	}

	done := make(chan struct{})
	candidates := make(chan webrtc.ICECandidateInit, 64)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case candidates <- c.ToJSON():
		case <-done:
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleConnectionState(pc, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.bindRemote(pc, track)
	})

	m.mu.Lock()
	if m.closed || m.pc != nil {
		m.mu.Unlock()
		close(done)
		pc.Close()
		return ErrClosed
	}
	m.pc = pc
	m.videoSender = videoSender
	m.audioSender = audioSender
	m.done = done
	m.connState = webrtc.PeerConnectionStateNew
	m.mu.Unlock()

	go m.forwardCandidates(candidates, done)
	for _, s := range []*webrtc.RTPSender{videoSender, audioSender} {
		go drainRTCP(s)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Open",
		"local_id":  m.opts.LocalID,
		"remote_id": m.opts.RemoteID,
		"class_id":  m.opts.ClassID,
		"video":     video != nil,
		"audio":     audio != nil,
	}).Info("Peer connection opened")
	return nil
}

func addSender(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, t *media.Track) (*webrtc.RTPSender, error) {
	if t != nil {
		return pc.AddTrack(t.Local())
	}
	tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return tr.Sender(), nil
}

// drainRTCP keeps interceptors running for s until the sender stops.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// forwardCandidates sends local candidates in gathering order.
func (m *Manager) forwardCandidates(in <-chan webrtc.ICECandidateInit, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case c := <-in:
			msg, err := models.NewCandidate(m.opts.LocalID, m.opts.RemoteID, m.opts.ClassID, models.CandidateDescriptor{
				Candidate:        c.Candidate,
				SDPMid:           c.SDPMid,
				SDPMLineIndex:    c.SDPMLineIndex,
				UsernameFragment: c.UsernameFragment,
			})
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
			if err := m.opts.Sender.Send(ctx, msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "forwardCandidates",
					"class_id": m.opts.ClassID,
					"error":    err.Error(),
				}).Warn("Failed to send local candidate")
			}
			cancel()
		}
	}
}

func (m *Manager) current() *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

func (m *Manager) isCurrent(pc *webrtc.PeerConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc == pc && !m.closed
}

// CreateOffer creates and sends a local offer.
func (m *Manager) CreateOffer(ctx context.Context) error {
	pc := m.current()
	if pc == nil {
		return ErrNoPeerConnection
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return m.negotiationFailed("create-offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return m.negotiationFailed("set-local-offer", err)
	}
	if !m.isCurrent(pc) {
		return ErrClosed
	}
	return m.opts.Sender.Send(ctx, models.NewOffer(m.opts.LocalID, m.opts.RemoteID, m.opts.ClassID, offer.SDP))
}

// HandleOffer applies a remote offer, then creates and sends the answer.
func (m *Manager) HandleOffer(ctx context.Context, msg models.SignalMessage) error {
	sdp, err := msg.SDP()
	if err != nil {
		return m.negotiationFailed("decode-offer", err)
	}
	pc := m.current()
	if pc == nil {
		return ErrNoPeerConnection
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return m.negotiationFailed("set-remote-offer", err)
	}
	m.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return m.negotiationFailed("create-answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return m.negotiationFailed("set-local-answer", err)
	}
	if !m.isCurrent(pc) {
		return ErrClosed
	}
	return m.opts.Sender.Send(ctx, models.NewAnswer(m.opts.LocalID, msg.From, m.opts.ClassID, answer.SDP))
}

// HandleAnswer applies a remote answer.
func (m *Manager) HandleAnswer(_ context.Context, msg models.SignalMessage) error {
	sdp, err := msg.SDP()
	if err != nil {
		return m.negotiationFailed("decode-answer", err)
	}
	pc := m.current()
	if pc == nil {
		return ErrNoPeerConnection
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return m.negotiationFailed("set-remote-answer", err)
	}
	m.flushPending(pc)
	return nil
}

// HandleCandidate applies a remote candidate. Without a connection the
// candidate is dropped. Before the remote description it is queued, up
// to the queue limit.
func (m *Manager) HandleCandidate(_ context.Context, msg models.SignalMessage) error {
	desc, err := msg.Candidate()
	if err != nil {
		return m.negotiationFailed("decode-candidate", err)
	}
	init := webrtc.ICECandidateInit{
		Candidate:        desc.Candidate,
		SDPMid:           desc.SDPMid,
		SDPMLineIndex:    desc.SDPMLineIndex,
		UsernameFragment: desc.UsernameFragment,
	}

	m.mu.Lock()
	pc := m.pc
	if pc == nil {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandleCandidate",
			"from":     msg.From,
			"class_id": msg.ClassID,
		}).Warn("Dropping candidate, no peer connection")
		return ErrNoPeerConnection
	}
	if !m.remoteSet {
		if len(m.pending) >= m.opts.QueueLimit {
			m.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "HandleCandidate",
				"limit":    m.opts.QueueLimit,
			}).Warn("Dropping candidate, pending queue full")
			return ErrCandidateQueueFull
		}
		m.pending = append(m.pending, init)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return m.negotiationFailed("add-candidate", err)
	}
	return nil
}

// PendingCandidates returns the number of queued early candidates.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) flushPending(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		return
	}
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.negotiationFailed("add-pending-candidate", err)
		}
	}
}

func (m *Manager) negotiationFailed(op string, err error) error {
	nerr := &NegotiationError{Op: op, Err: err}
	logrus.WithFields(logrus.Fields{
		"function": "negotiation",
		"op":       op,
		"class_id": m.opts.ClassID,
		"error":    err.Error(),
	}).Warn("Negotiation step failed")
	return nerr
}

// ReplaceVideoTrack rebinds the outgoing video sender. A nil track
// leaves the sender without a source.
func (m *Manager) ReplaceVideoTrack(t *media.Track) error {
	m.mu.Lock()
	s := m.videoSender
	m.mu.Unlock()
	return replace(s, t)
}

// ReplaceAudioTrack rebinds the outgoing audio sender.
func (m *Manager) ReplaceAudioTrack(t *media.Track) error {
	m.mu.Lock()
	s := m.audioSender
	m.mu.Unlock()
	return replace(s, t)
}

func replace(s *webrtc.RTPSender, t *media.Track) error {
	if s == nil {
		return ErrNoPeerConnection
	}
	var local webrtc.TrackLocal
	if t != nil {
		local = t.Local()
	}
	if s.Track() == local {
		return nil
	}
	return s.ReplaceTrack(local)
}

func (m *Manager) handleConnectionState(pc *webrtc.PeerConnection, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	if m.pc != pc || m.closed {
		m.mu.Unlock()
		return
	}
	m.connState = s
	q := QualityFor(s)
	qualityChanged := q != m.quality
	m.quality = q
	state := stateFor(s, pc.SignalingState(), pc.RemoteDescription() != nil)
	stateFns := append([]func(State){}, m.onState...)
	qualityFns := append([]func(Quality){}, m.onQuality...)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionState",
		"class_id": m.opts.ClassID,
		"state":    s.String(),
		"quality":  q,
	}).Info("Peer connection state changed")

	for _, fn := range stateFns {
		fn(state)
	}
	if qualityChanged {
		for _, fn := range qualityFns {
			fn(q)
		}
	}
}

func (m *Manager) bindRemote(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.pc != pc || m.closed {
		m.mu.Unlock()
		return
	}
	first := len(m.remoteTracks) == 0
	m.remoteTracks[track.ID()] = track
	fns := append([]func(bool){}, m.onRemoteTrack...)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "bindRemote",
		"kind":     track.Kind().String(),
		"codec":    track.Codec().MimeType,
	}).Info("Remote track bound")

	if first {
		for _, fn := range fns {
			fn(true)
		}
	}
	go m.readRemote(track)
}

func (m *Manager) readRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		m.observe(pkt)
	}
	m.unbindRemote(track.ID())
}

func (m *Manager) observe(pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Packets++
	m.stats.Bytes += uint64(len(pkt.Payload))
	m.stats.LastSequence = pkt.SequenceNumber
	m.stats.LastTimestamp = pkt.Timestamp
	m.stats.LastPayloadType = pkt.PayloadType
}

func (m *Manager) unbindRemote(id string) {
	m.mu.Lock()
	if _, ok := m.remoteTracks[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.remoteTracks, id)
	last := len(m.remoteTracks) == 0
	fns := append([]func(bool){}, m.onRemoteTrack...)
	m.mu.Unlock()

	if last {
		for _, fn := range fns {
			fn(false)
		}
	}
}

// HasRemoteTrack reports whether a remote track is bound.
func (m *Manager) HasRemoteTrack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remoteTracks) > 0
}

// StopRemoteTracks unbinds every remote track. Readers exit once the
// connection is closed.
func (m *Manager) StopRemoteTracks() {
	m.mu.Lock()
	had := len(m.remoteTracks) > 0
	m.remoteTracks = make(map[string]*webrtc.TrackRemote)
	fns := append([]func(bool){}, m.onRemoteTrack...)
	m.mu.Unlock()

	if had {
		for _, fn := range fns {
			fn(false)
		}
	}
}

// Stats returns counters for received RTP.
func (m *Manager) Stats() RemoteStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// State returns the current negotiation or connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		if m.closed {
			return StateClosed
		}
		return StateNew
	}
	return stateFor(m.connState, m.pc.SignalingState(), m.pc.RemoteDescription() != nil)
}

// Quality returns the last observed quality.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Close closes the connection and drops queued candidates. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pc := m.pc
	done := m.done
	m.pc = nil
	m.videoSender = nil
	m.audioSender = nil
	m.pending = nil
	m.remoteSet = false
	m.connState = webrtc.PeerConnectionStateClosed
	m.quality = QualityDisconnected
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if pc == nil {
		return nil
	}

	err := pc.Close()
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"class_id": m.opts.ClassID,
			"error":    err.Error(),
		}).Warn("Error closing peer connection")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"class_id": m.opts.ClassID,
	}).Info("Peer connection closed")
	return nil
}
