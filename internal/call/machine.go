package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/mossy-p/webrtc-classroom/internal/peer"
	"github.com/mossy-p/webrtc-classroom/internal/screenshare"
	"github.com/mossy-p/webrtc-classroom/internal/signaling"
	"github.com/sirupsen/logrus"
)

// Signaler is the signaling channel of one participant.
type Signaler interface {
	Subscribe(ctx context.Context, classID string, h signaling.Handlers) error
	Unsubscribe() error
	Send(ctx context.Context, msg models.SignalMessage) error
}

// SignalerFactory creates the channel of localID. onLost runs once the
// channel gives up re-subscribing.
type SignalerFactory func(localID string, onLost func(error)) Signaler

// Peer is the connection manager of one session.
type Peer interface {
	Open(stream *media.Stream) error
	CreateOffer(ctx context.Context) error
	HandleOffer(ctx context.Context, msg models.SignalMessage) error
	HandleAnswer(ctx context.Context, msg models.SignalMessage) error
	HandleCandidate(ctx context.Context, msg models.SignalMessage) error
	ReplaceVideoTrack(t *media.Track) error
	ReplaceAudioTrack(t *media.Track) error
	OnStateChange(fn func(peer.State))
	OnQualityChange(fn func(peer.Quality))
	OnRemoteTrack(fn func(bool))
	HasRemoteTrack() bool
	StopRemoteTracks()
	Close() error
}

// PeerFactory creates the Peer of a session sending through sender.
type PeerFactory func(id Identity, sender peer.Sender) (Peer, error)

// CompletionRecorder stores the completion record of a connected call.
type CompletionRecorder interface {
	Complete(ctx context.Context, c models.LessonCompletion) error
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Acquirer    *media.Acquirer
	Capturer    media.Capturer
	NewSignaler SignalerFactory
	NewPeer     PeerFactory
	Bus         *Bus
	Clock       TimeProvider
	Completions CompletionRecorder
	Hooks       []Hook
}

// Snapshot is a point-in-time view of a Machine.
type Snapshot struct {
	State            State         `json:"state"`
	Session          *Session      `json:"session,omitempty"`
	Media            MediaState    `json:"media"`
	Quality          peer.Quality  `json:"quality"`
	RemoteTrackBound bool          `json:"remoteTrackBound"`
	Duration         time.Duration `json:"duration"`
}

// Machine drives one participant through
// Idle → RequestingMedia → Connecting → Connected → Ended.
//
// Work that suspends (capture, negotiation, subscribe) runs without the
// lock and re-checks the generation on resumption; EndCall bumps it.
type Machine struct {
	deps Deps

	mu           sync.Mutex
	state        State
	gen          uint64
	identity     Identity
	lastIdentity Identity
	lastListen   bool
	session      *Session
	constraints  media.Constraints
	media        MediaState
	quality      peer.Quality
	remoteBound  bool
	peer         Peer
	signaler     Signaler
	switcher     *screenshare.Switcher
	scope        *Scope

	// offer a listening responder could not answer for lack of media,
	// and the remote candidates that followed it
	pendingOffer   *models.SignalMessage
	heldCandidates []models.SignalMessage
}

// maxHeldCandidates bounds the candidates kept while an offer waits for
// a media retry.
const maxHeldCandidates = 64

// NewMachine returns an idle Machine.
func NewMachine(deps Deps) *Machine {
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}
	if deps.Clock == nil {
		deps.Clock = DefaultTimeProvider{}
	}
	m := &Machine{
		deps:    deps,
		state:   StateIdle,
		media:   DefaultMediaState,
		quality: peer.QualityGood,
	}
	deps.Acquirer.OnStreamChange(m.streamChanged)
	return m
}

// Bus returns the event bus the Machine publishes to.
func (m *Machine) Bus() *Bus { return m.deps.Bus }

// StartCall acquires media, opens the connection and joins the channel.
// The initiator then sends its offer; a responder waits for one.
func (m *Machine) StartCall(ctx context.Context, id Identity, cons media.Constraints) (Session, error) {
	if err := id.Validate(); err != nil {
		return Session{}, err
	}
	gen, err := m.begin(id, StateRequestingMedia, cons, false)
	if err != nil {
		return Session{}, err
	}

	stream, err := m.deps.Acquirer.Acquire(ctx, cons)
	if err != nil {
		m.mediaFailed(gen, err)
		m.abort(ctx, gen)
		return Session{}, err
	}
	if !m.live(gen) {
		m.releaseIfIdle()
		return Session{}, ErrCallEnded
	}
	m.syncMedia(gen, stream)

	sig := m.deps.NewSignaler(id.LocalID, m.signalingLost(gen))
	if !m.installSignaler(gen, sig) {
		return Session{}, ErrCallEnded
	}
	p, err := m.createPeer(gen, id, sig)
	if err != nil {
		m.abort(ctx, gen)
		return Session{}, err
	}
	if err := p.Open(stream); err != nil {
		m.abort(ctx, gen)
		return Session{}, fmt.Errorf("failed to open peer connection: %w", err)
	}
	if err := sig.Subscribe(ctx, id.ClassID, m.handlers(gen)); err != nil {
		m.abort(ctx, gen)
		return Session{}, err
	}
	if !m.setState(gen, StateConnecting) {
		return Session{}, ErrCallEnded
	}

	if id.Role == RoleInitiator {
		if err := p.CreateOffer(ctx); err != nil {
			if errors.Is(err, peer.ErrClosed) {
				return Session{}, ErrCallEnded
			}
			logrus.WithFields(logrus.Fields{
				"function": "StartCall",
				"class_id": id.ClassID,
				"error":    err.Error(),
			}).Warn("Offer not sent, staying in connecting")
		}
	}

	sess, _ := m.Session()
	return sess, nil
}

// Listen joins the channel as responder and waits in Idle. The first
// offer from the remote participant acquires media and answers it.
func (m *Machine) Listen(ctx context.Context, id Identity, cons media.Constraints) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if id.Role != RoleResponder {
		return ErrNotResponder
	}
	gen, err := m.begin(id, StateIdle, cons, true)
	if err != nil {
		return err
	}

	sig := m.deps.NewSignaler(id.LocalID, m.signalingLost(gen))
	if !m.installSignaler(gen, sig) {
		return ErrCallEnded
	}
	if err := sig.Subscribe(ctx, id.ClassID, m.handlers(gen)); err != nil {
		m.abort(ctx, gen)
		return err
	}
	if !m.live(gen) {
		return ErrCallEnded
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Listen",
		"class_id":  id.ClassID,
		"local_id":  id.LocalID,
		"remote_id": id.RemoteID,
	}).Info("Waiting for offer")
	return nil
}

// EndCall tears the call down in fixed order: close the connection,
// leave the channel, stop local tracks, stop remote tracks, reset the
// media state, release call-scoped hooks, notify. Calling it again, or
// with no call, does nothing.
func (m *Machine) EndCall(ctx context.Context) error {
	m.teardown(ctx, nil, StateEnded)
	return nil
}

func (m *Machine) abort(ctx context.Context, gen uint64) {
	m.teardown(ctx, &gen, StateIdle)
}

func (m *Machine) teardown(ctx context.Context, onlyGen *uint64, final State) {
	m.mu.Lock()
	if onlyGen != nil && m.gen != *onlyGen {
		m.mu.Unlock()
		return
	}
	if !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	m.gen++
	prev := m.state
	p, sig, sw, scope := m.peer, m.signaler, m.switcher, m.scope
	m.peer, m.signaler, m.switcher, m.scope = nil, nil, nil, nil
	m.pendingOffer, m.heldCandidates = nil, nil
	m.state = final
	m.session.EndedAt = m.deps.Clock.Now()
	sess := *m.session
	m.mu.Unlock()

	if p != nil {
		if err := p.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EndCall",
				"error":    err.Error(),
			}).Warn("Error closing peer connection")
		}
	}
	if sig != nil {
		if err := sig.Unsubscribe(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EndCall",
				"error":    err.Error(),
			}).Warn("Error leaving lesson channel")
		}
	}
	if sw != nil {
		sw.Reset()
	}
	m.deps.Acquirer.Release()
	if p != nil {
		p.StopRemoteTracks()
	}

	m.mu.Lock()
	m.media = DefaultMediaState
	m.remoteBound = false
	m.quality = peer.QualityDisconnected
	m.mu.Unlock()

	if scope != nil {
		scope.Release(final == StateEnded)
	}

	var duration time.Duration
	if !sess.ConnectedAt.IsZero() {
		duration = sess.EndedAt.Sub(sess.ConnectedAt)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "EndCall",
		"session_id": sess.ID,
		"class_id":   sess.Identity.ClassID,
		"from_state": prev,
		"final":      final,
		"duration":   duration.String(),
	}).Info("Call torn down")

	m.publish(Event{Type: EventStateChanged, State: final})
	if final != StateEnded {
		return
	}
	m.publish(Event{Type: EventCallEnded, State: final, Duration: duration})

	if m.deps.Completions != nil && !sess.ConnectedAt.IsZero() {
		rec := models.LessonCompletion{
			LessonID:  sess.Identity.ClassID,
			SessionID: sess.ID,
			EndedBy:   sess.Identity.LocalID,
			Duration:  duration,
			EndedAt:   sess.EndedAt,
		}
		if err := m.deps.Completions.Complete(ctx, rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "EndCall",
				"lesson_id": rec.LessonID,
				"error":     err.Error(),
			}).Warn("Failed to record lesson completion")
		}
	}
}

// ToggleMedia flips the local track of kind and returns the new state.
func (m *Machine) ToggleMedia(ctx context.Context, kind media.Kind) (MediaState, error) {
	m.mu.Lock()
	if !m.inCallLocked() {
		m.mu.Unlock()
		return MediaState{}, ErrNoCall
	}
	gen := m.gen
	sharing := m.media.ScreenSharing
	m.mu.Unlock()

	if kind == media.KindVideo && sharing {
		return m.MediaState(), ErrSharingActive
	}

	enabled, err := m.deps.Acquirer.Toggle(ctx, kind)
	if err != nil {
		m.mediaFailed(gen, err)
		return m.MediaState(), err
	}

	m.mu.Lock()
	if m.gen != gen {
		idle := !m.activeLocked()
		m.mu.Unlock()
		if idle {
			m.deps.Acquirer.Release()
		}
		return MediaState{}, ErrCallEnded
	}
	if kind == media.KindVideo {
		m.media.VideoEnabled = enabled
	} else {
		m.media.AudioEnabled = enabled
	}
	ms := m.media
	m.mu.Unlock()

	m.publish(Event{Type: EventMediaChanged, Media: &ms})
	return ms, nil
}

// RetryMedia repeats a failed acquisition. Within a call it re-acquires
// the local stream; after a call failed to start for lack of media it
// starts the call again with the last identity. A listening responder
// that could not capture for an offer acquires again and answers it.
func (m *Machine) RetryMedia(ctx context.Context) (MediaState, error) {
	m.mu.Lock()
	active := m.activeLocked()
	inCall := m.inCallLocked()
	sharing := m.media.ScreenSharing
	last, listen, cons := m.lastIdentity, m.lastListen, m.constraints
	gen := m.gen
	id, sig, offer := m.identity, m.signaler, m.pendingOffer
	idle := m.state == StateIdle
	m.mu.Unlock()

	if !active {
		if last.Role == "" {
			return MediaState{}, ErrNoCall
		}
		if listen {
			err := m.Listen(ctx, last, cons)
			return m.MediaState(), err
		}
		_, err := m.StartCall(ctx, last, cons)
		return m.MediaState(), err
	}
	if idle && offer != nil && sig != nil {
		p, err := m.answerFromIdle(ctx, gen, id, sig, *offer)
		if err != nil {
			return m.MediaState(), err
		}
		m.answer(ctx, gen, p, *offer)
		return m.MediaState(), nil
	}
	if !inCall {
		return m.MediaState(), ErrCallInProgress
	}
	if sharing {
		return m.MediaState(), ErrSharingActive
	}

	stream, err := m.deps.Acquirer.Retry(ctx)
	if err != nil {
		m.mediaFailed(gen, err)
		return m.MediaState(), err
	}
	if !m.live(gen) {
		m.releaseIfIdle()
		return MediaState{}, ErrCallEnded
	}
	m.syncMedia(gen, stream)
	ms := m.MediaState()
	m.publish(Event{Type: EventMediaChanged, Media: &ms})
	return ms, nil
}

// StartShare replaces the outgoing video with a display capture.
func (m *Machine) StartShare(ctx context.Context) error {
	sw, gen, err := m.currentSwitcher()
	if err != nil {
		return err
	}
	if err := sw.StartShare(ctx); err != nil {
		var me *media.MediaError
		if errors.As(err, &me) {
			m.mediaFailed(gen, err)
		}
		return err
	}
	return nil
}

// StopShare restores the camera as outgoing video.
func (m *Machine) StopShare(ctx context.Context) error {
	sw, _, err := m.currentSwitcher()
	if err != nil {
		return err
	}
	return sw.StopShare(ctx)
}

// ReplaceVideoTrack binds t as the outgoing video of the connection.
func (m *Machine) ReplaceVideoTrack(t *media.Track) error {
	m.mu.Lock()
	p := m.peer
	m.mu.Unlock()
	if p == nil {
		return ErrNoCall
	}
	return p.ReplaceVideoTrack(t)
}

// OutgoingVideo returns the track bound as outgoing video, if any.
func (m *Machine) OutgoingVideo() *media.Track {
	m.mu.Lock()
	sw := m.switcher
	m.mu.Unlock()
	if sw == nil {
		return nil
	}
	return sw.OutgoingVideo()
}

// State returns the lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current or last session.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Identity returns the identity of the current or last session.
func (m *Machine) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Duration is the time since the call connected, computed from the
// clock. It stops advancing once the call ends.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked()
}

func (m *Machine) durationLocked() time.Duration {
	if m.session == nil || m.session.ConnectedAt.IsZero() {
		return 0
	}
	if !m.session.EndedAt.IsZero() {
		return m.session.EndedAt.Sub(m.session.ConnectedAt)
	}
	return m.deps.Clock.Since(m.session.ConnectedAt)
}

// MediaState returns the local media switches.
func (m *Machine) MediaState() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

// Quality returns the last observed connection quality.
func (m *Machine) Quality() peer.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// RemoteTrackBound reports whether a real remote track is bound.
func (m *Machine) RemoteTrackBound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteBound
}

// Snapshot returns the state, session and media of the Machine at once.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:            m.state,
		Media:            m.media,
		Quality:          m.quality,
		RemoteTrackBound: m.remoteBound,
		Duration:         m.durationLocked(),
	}
	if m.session != nil {
		sess := *m.session
		s.Session = &sess
	}
	return s
}

func (m *Machine) begin(id Identity, state State, cons media.Constraints, listen bool) (uint64, error) {
	m.mu.Lock()
	if m.activeLocked() {
		m.mu.Unlock()
		return 0, ErrCallInProgress
	}
	m.gen++
	gen := m.gen
	m.identity = id
	m.lastIdentity = id
	m.lastListen = listen
	m.constraints = cons
	m.session = &Session{
		ID:        uuid.New().String(),
		Identity:  id,
		StartedAt: m.deps.Clock.Now(),
	}
	m.media = DefaultMediaState
	m.quality = peer.QualityGood
	m.remoteBound = false
	m.pendingOffer, m.heldCandidates = nil, nil
	m.state = state
	scope := &Scope{}
	m.scope = scope
	sessionID := m.session.ID
	m.mu.Unlock()

	for _, hook := range m.deps.Hooks {
		scope.Add(hook(id))
	}

	logrus.WithFields(logrus.Fields{
		"function":   "begin",
		"session_id": sessionID,
		"role":       id.Role,
		"class_id":   id.ClassID,
		"state":      state,
	}).Info("Call session started")

	m.publish(Event{Type: EventStateChanged, State: state})
	return gen, nil
}

// activeLocked reports whether a session is running (listening counts).
func (m *Machine) activeLocked() bool {
	return m.session != nil && m.session.EndedAt.IsZero()
}

func (m *Machine) inCallLocked() bool {
	return m.state == StateConnecting || m.state == StateConnected
}

func (m *Machine) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.activeLocked()
}

// releaseIfIdle stops media acquired by an operation that lost the race
// with EndCall.
func (m *Machine) releaseIfIdle() {
	m.mu.Lock()
	idle := !m.activeLocked()
	m.mu.Unlock()
	if idle {
		m.deps.Acquirer.Release()
	}
}

func (m *Machine) setState(gen uint64, s State) bool {
	m.mu.Lock()
	if m.gen != gen || !m.activeLocked() {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"from":     prev,
		"to":       s,
	}).Debug("Call state changed")

	m.publish(Event{Type: EventStateChanged, State: s})
	return true
}

// transition moves from one state to another only if the session is
// still in from.
func (m *Machine) transition(gen uint64, from, to State) bool {
	m.mu.Lock()
	if m.gen != gen || !m.activeLocked() || m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"from":     from,
		"to":       to,
	}).Debug("Call state changed")

	m.publish(Event{Type: EventStateChanged, State: to})
	return true
}

func (m *Machine) installSignaler(gen uint64, sig Signaler) bool {
	m.mu.Lock()
	if m.gen != gen || !m.activeLocked() {
		m.mu.Unlock()
		return false
	}
	m.signaler = sig
	m.mu.Unlock()
	return true
}

func (m *Machine) createPeer(gen uint64, id Identity, sig Signaler) (Peer, error) {
	p, err := m.deps.NewPeer(id, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}
	p.OnStateChange(func(s peer.State) { m.peerStateChanged(gen, s) })
	p.OnQualityChange(func(q peer.Quality) { m.qualityChanged(gen, q) })
	p.OnRemoteTrack(func(bound bool) { m.remoteTrackChanged(gen, bound) })

	sw := screenshare.New(m.deps.Acquirer, m.deps.Capturer, p)
	sw.OnChange(func(st screenshare.Status) { m.shareChanged(gen, st) })

	m.mu.Lock()
	if m.gen != gen || !m.activeLocked() {
		m.mu.Unlock()
		p.Close()
		return nil, ErrCallEnded
	}
	m.peer = p
	m.switcher = sw
	m.mu.Unlock()
	return p, nil
}

func (m *Machine) currentSwitcher() (*screenshare.Switcher, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inCallLocked() || m.switcher == nil {
		return nil, 0, ErrNoCall
	}
	return m.switcher, m.gen, nil
}

func (m *Machine) handlers(gen uint64) signaling.Handlers {
	return signaling.Handlers{
		Offer: func(ctx context.Context, msg models.SignalMessage) {
			m.onOffer(ctx, gen, msg)
		},
		Answer: func(ctx context.Context, msg models.SignalMessage) {
			m.onAnswer(ctx, gen, msg)
		},
		Candidate: func(ctx context.Context, msg models.SignalMessage) {
			m.onCandidate(ctx, gen, msg)
		},
	}
}

func (m *Machine) onOffer(ctx context.Context, gen uint64, msg models.SignalMessage) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	id, p, state, sig := m.identity, m.peer, m.state, m.signaler
	m.mu.Unlock()

	if id.Role == RoleInitiator {
		logrus.WithFields(logrus.Fields{
			"function": "onOffer",
			"from":     msg.From,
		}).Debug("Ignoring offer, local participant is initiator")
		return
	}
	if msg.From != id.RemoteID {
		logrus.WithFields(logrus.Fields{
			"function": "onOffer",
			"from":     msg.From,
			"expected": id.RemoteID,
		}).Warn("Ignoring offer from unexpected participant")
		return
	}

	if p == nil {
		if state != StateIdle || sig == nil {
			return
		}
		var err error
		if p, err = m.answerFromIdle(ctx, gen, id, sig, msg); err != nil {
			return
		}
	}
	m.answer(ctx, gen, p, msg)
}

// answer hands offer to p, then replays the candidates held while the
// offer waited for media.
func (m *Machine) answer(ctx context.Context, gen uint64, p Peer, offer models.SignalMessage) {
	// negotiation failures are logged by the peer and leave the call up
	p.HandleOffer(ctx, offer)

	m.mu.Lock()
	var held []models.SignalMessage
	if m.gen == gen {
		held = m.heldCandidates
		m.pendingOffer, m.heldCandidates = nil, nil
	}
	m.mu.Unlock()

	for _, c := range held {
		p.HandleCandidate(ctx, c)
	}
}

// answerFromIdle acquires media for offer and opens the connection. When
// capture fails the offer is kept for RetryMedia and the session goes
// back to Idle.
func (m *Machine) answerFromIdle(ctx context.Context, gen uint64, id Identity, sig Signaler, offer models.SignalMessage) (Peer, error) {
	if !m.transition(gen, StateIdle, StateRequestingMedia) {
		if !m.live(gen) {
			return nil, ErrCallEnded
		}
		return nil, ErrCallInProgress
	}

	m.mu.Lock()
	cons := m.constraints
	m.mu.Unlock()

	stream, err := m.deps.Acquirer.Acquire(ctx, cons)
	if err != nil {
		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.pendingOffer = &offer
			m.media.VideoEnabled = false
			m.media.AudioEnabled = false
		}
		ms := m.media
		m.mu.Unlock()
		if current {
			m.publish(Event{Type: EventMediaChanged, Media: &ms})
		}
		m.mediaFailed(gen, err)
		m.setState(gen, StateIdle)
		return nil, err
	}
	if !m.live(gen) {
		m.releaseIfIdle()
		return nil, ErrCallEnded
	}
	m.syncMedia(gen, stream)

	p, err := m.createPeer(gen, id, sig)
	if err != nil {
		m.abort(ctx, gen)
		return nil, err
	}
	if err := p.Open(stream); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answerFromIdle",
			"error":    err.Error(),
		}).Error("Failed to open peer connection")
		m.abort(ctx, gen)
		return nil, fmt.Errorf("failed to open peer connection: %w", err)
	}
	if !m.setState(gen, StateConnecting) {
		return nil, ErrCallEnded
	}
	return p, nil
}

func (m *Machine) onAnswer(ctx context.Context, gen uint64, msg models.SignalMessage) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	role, p := m.identity.Role, m.peer
	m.mu.Unlock()

	if role != RoleInitiator || p == nil {
		return
	}
	p.HandleAnswer(ctx, msg)
}

func (m *Machine) onCandidate(ctx context.Context, gen uint64, msg models.SignalMessage) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	p := m.peer
	if p == nil && m.pendingOffer != nil && msg.From == m.identity.RemoteID {
		if len(m.heldCandidates) < maxHeldCandidates {
			m.heldCandidates = append(m.heldCandidates, msg)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if p == nil {
		logrus.WithFields(logrus.Fields{
			"function": "onCandidate",
			"from":     msg.From,
			"class_id": msg.ClassID,
		}).Warn("Dropping candidate, no peer connection")
		return
	}
	p.HandleCandidate(ctx, msg)
}

func (m *Machine) peerStateChanged(gen uint64, s peer.State) {
	if s != peer.StateConnected {
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.session.ConnectedAt = m.deps.Clock.Now()
	sessionID := m.session.ID
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "peerStateChanged",
		"session_id": sessionID,
	}).Info("Call connected")

	m.publish(Event{Type: EventStateChanged, State: StateConnected})
	m.publish(Event{Type: EventCallStarted, State: StateConnected})
}

func (m *Machine) qualityChanged(gen uint64, q peer.Quality) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.quality = q
	m.mu.Unlock()

	m.publish(Event{Type: EventQualityChanged, Quality: q})
}

func (m *Machine) remoteTrackChanged(gen uint64, bound bool) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.remoteBound = bound
	m.mu.Unlock()

	m.publish(Event{Type: EventRemoteTrack, RemoteTrackBound: bound})
}

func (m *Machine) shareChanged(gen uint64, st screenshare.Status) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.media.ScreenSharing = st.Sharing
	m.media.VideoEnabled = st.VideoEnabled
	ms := m.media
	m.mu.Unlock()

	m.publish(Event{Type: EventMediaChanged, Media: &ms})
	if st.Err != nil {
		m.mediaFailed(gen, st.Err)
	}
}

// streamChanged rebinds outgoing tracks after a re-acquisition. The
// camera is not bound while a display share owns the video sender.
func (m *Machine) streamChanged(s *media.Stream) {
	m.mu.Lock()
	p, sw := m.peer, m.switcher
	m.mu.Unlock()
	if p == nil || s == nil {
		return
	}

	if sw == nil || !sw.Sharing() {
		if err := p.ReplaceVideoTrack(s.VideoTrack()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "streamChanged",
				"error":    err.Error(),
			}).Warn("Failed to rebind video")
		}
	}
	if err := p.ReplaceAudioTrack(s.AudioTrack()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "streamChanged",
			"error":    err.Error(),
		}).Warn("Failed to rebind audio")
	}
}

func (m *Machine) syncMedia(gen uint64, s *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	v, a := s.VideoTrack(), s.AudioTrack()
	m.media.VideoEnabled = v != nil && v.Enabled()
	m.media.AudioEnabled = a != nil && a.Enabled()
}

func (m *Machine) signalingLost(gen uint64) func(error) {
	return func(err error) {
		if !m.live(gen) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "signalingLost",
			"error":    err.Error(),
		}).Error("Signaling channel lost")
		m.publish(Event{Type: EventSignalingLost, Error: err.Error()})
	}
}

func (m *Machine) mediaFailed(gen uint64, err error) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return
	}

	me := media.Classify(err)
	m.publish(Event{
		Type:        EventMediaError,
		Error:       me.Message,
		Suggestions: me.Suggestions,
	})
}

func (m *Machine) publish(ev Event) {
	m.mu.Lock()
	if m.session != nil {
		ev.SessionID = m.session.ID
	}
	ev.ClassID = m.identity.ClassID
	ev.LocalID = m.identity.LocalID
	m.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = m.deps.Clock.Now()
	}
	m.deps.Bus.Publish(ev)
}
