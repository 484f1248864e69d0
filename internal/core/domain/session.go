package domain

import "time"

// NegotiationState is the lifecycle state of a session's WebRTC negotiation.
type NegotiationState string

const (
	// StatePending: session created, references acquired, offer generated.
	StatePending NegotiationState = "pending"
	// StateNegotiating: answer received and being applied.
	StateNegotiating NegotiationState = "negotiating"
	// StateConnected: negotiation succeeded.
	StateConnected NegotiationState = "connected"
	// StateFailed: a negotiation step errored; references released.
	StateFailed NegotiationState = "failed"
	// StateClosed: explicit close, timeout or transport disconnect.
	StateClosed NegotiationState = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s NegotiationState) Terminal() bool {
	return s == StateConnected || s == StateFailed || s == StateClosed
}

// Session is one browser's end-to-end WebRTC negotiation and stream
// subscription against a device. The stream-type set is a non-owning
// reference into the stream reference counter's state.
type Session struct {
	ID           SessionID        `json:"session_id"`
	DeviceID     DeviceID         `json:"device_id"`
	StreamTypes  []StreamType     `json:"stream_types"`
	State        NegotiationState `json:"state"`
	Connected    bool             `json:"connected"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// ICECandidate is the wire form of a gathered or client-supplied candidate.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}
