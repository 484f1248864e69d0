package ports

import (
	"context"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
)

// SessionService is the inbound surface of the session lifecycle manager.
// Both the REST handlers and the WebSocket signaling server drive it.
type SessionService interface {
	// OpenSession creates a session, acquires stream references and
	// returns the session record plus the offer SDP. All-or-nothing: any
	// failure leaves no session and no reference behind.
	OpenSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType) (*domain.Session, string, error)

	ApplyAnswer(ctx context.Context, id domain.SessionID, sdp string) error
	AddICECandidate(ctx context.Context, id domain.SessionID, candidate domain.ICECandidate) error
	ICECandidates(id domain.SessionID) ([]domain.ICECandidate, error)

	// SwitchStreamTypes replaces the session's stream-type set, adjusting
	// reference counts by the symmetric difference.
	SwitchStreamTypes(ctx context.Context, id domain.SessionID, streamTypes []domain.StreamType) error

	// CloseSession is idempotent; an unknown session yields
	// domain.ErrSessionNotFound for diagnostics, which callers may treat
	// as success.
	CloseSession(ctx context.Context, id domain.SessionID) error
	CloseAllSessions(ctx context.Context) (int, error)

	Touch(id domain.SessionID)
	GetSession(id domain.SessionID) (*domain.Session, error)
	ListSessions() []*domain.Session

	// SweepExpired closes sessions past their idle or absolute timeout
	// and returns the IDs it closed.
	SweepExpired(ctx context.Context) []domain.SessionID
}

// ReferenceCounter owns per-(device, stream type) reference counts and
// translates count transitions into device configuration commands. All
// mutation of device stream state goes through Acquire/Release.
type ReferenceCounter interface {
	Acquire(ctx context.Context, id domain.DeviceID, t domain.StreamType) error
	Release(ctx context.Context, id domain.DeviceID, t domain.StreamType)
	References() []domain.StreamReference
	DeviceState(id domain.DeviceID) domain.DeviceStreamState
	DeviceStates() []domain.DeviceStreamState
}
