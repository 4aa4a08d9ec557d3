package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
)

var (
	ErrUnknownSignalType = errors.New("unknown signal type")
	ErrMissingPayload    = errors.New("signal payload is empty")
	ErrMissingClass      = errors.New("signal classId is empty")
	ErrMissingSender     = errors.New("signal sender is empty")
)

// SignalMessage is the wire envelope exchanged on a lesson channel.
// Payload holds a session description string for offer/answer and a
// CandidateDescriptor for ice-candidate.
type SignalMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    SignalType      `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	ClassID string          `json:"classId"`
	Payload json.RawMessage `json:"payload"`
}

// CandidateDescriptor mirrors the browser RTCIceCandidateInit shape.
type CandidateDescriptor struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewOffer builds an offer envelope carrying the given SDP.
func NewOffer(from, to, classID, sdp string) SignalMessage {
	return newDescription(SignalTypeOffer, from, to, classID, sdp)
}

// NewAnswer builds an answer envelope carrying the given SDP.
func NewAnswer(from, to, classID, sdp string) SignalMessage {
	return newDescription(SignalTypeAnswer, from, to, classID, sdp)
}

func newDescription(t SignalType, from, to, classID, sdp string) SignalMessage {
	payload, _ := json.Marshal(sdp)
	return SignalMessage{
		ID:      uuid.New().String(),
		Type:    t,
		From:    from,
		To:      to,
		ClassID: classID,
		Payload: payload,
	}
}

// NewCandidate builds an ice-candidate envelope.
func NewCandidate(from, to, classID string, c CandidateDescriptor) (SignalMessage, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to encode candidate: %w", err)
	}
	return SignalMessage{
		ID:      uuid.New().String(),
		Type:    SignalTypeCandidate,
		From:    from,
		To:      to,
		ClassID: classID,
		Payload: payload,
	}, nil
}

// SDP decodes the session description of an offer or answer.
func (m SignalMessage) SDP() (string, error) {
	if m.Type != SignalTypeOffer && m.Type != SignalTypeAnswer {
		return "", fmt.Errorf("%w: %s carries no session description", ErrUnknownSignalType, m.Type)
	}
	var sdp string
	if err := json.Unmarshal(m.Payload, &sdp); err != nil {
		return "", fmt.Errorf("failed to decode session description: %w", err)
	}
	if sdp == "" {
		return "", ErrMissingPayload
	}
	return sdp, nil
}

// Candidate decodes the path candidate of an ice-candidate message.
func (m SignalMessage) Candidate() (CandidateDescriptor, error) {
	var c CandidateDescriptor
	if m.Type != SignalTypeCandidate {
		return c, fmt.Errorf("%w: %s carries no candidate", ErrUnknownSignalType, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("failed to decode candidate: %w", err)
	}
	return c, nil
}

// Validate checks the envelope fields every message must carry.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignalType, m.Type)
	}
	if m.From == "" {
		return ErrMissingSender
	}
	if m.ClassID == "" {
		return ErrMissingClass
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return ErrMissingPayload
	}
	return nil
}
