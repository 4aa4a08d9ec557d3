package peer

import "github.com/pion/webrtc/v4"

// State is the negotiation and connectivity state of a Manager.
type State string

const (
	StateNew             State = "new"
	StateHaveLocalOffer  State = "have-local-offer"
	StateHaveRemoteOffer State = "have-remote-offer"
	StateStable          State = "stable"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

// Quality is an observational summary of the connection.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// QualityFor maps a pion connection state to a Quality. Disconnected may
// still recover, so it reads as poor; failed and closed do not.
func QualityFor(s webrtc.PeerConnectionState) Quality {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return QualityExcellent
	case webrtc.PeerConnectionStateDisconnected:
		return QualityPoor
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return QualityDisconnected
	default:
		return QualityGood
	}
}

func stateFor(conn webrtc.PeerConnectionState, sig webrtc.SignalingState, hasRemote bool) State {
	switch conn {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}

	switch sig {
	case webrtc.SignalingStateHaveLocalOffer:
		return StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return StateHaveRemoteOffer
	case webrtc.SignalingStateStable:
		if hasRemote {
			return StateStable
		}
	case webrtc.SignalingStateClosed:
		return StateClosed
	}
	return StateNew
}
