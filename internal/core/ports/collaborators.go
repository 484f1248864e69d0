package ports

import (
	"context"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
)

// DeviceController is the hardware-facing collaborator. Implementations talk
// to librealsense (or a simulation of it); the core only decides what
// configuration the device should run with.
type DeviceController interface {
	ListDevices(ctx context.Context) ([]*domain.Device, error)
	GetDevice(ctx context.Context, id domain.DeviceID) (*domain.Device, error)

	// StartOrReconfigure applies the complete desired profile set to the
	// device, starting it if stopped. The set is declarative: it replaces
	// whatever the device was doing before.
	StartOrReconfigure(ctx context.Context, id domain.DeviceID, profiles []domain.StreamProfile) error

	// Stop halts all streaming on the device.
	Stop(ctx context.Context, id domain.DeviceID) error
}

// FrameSource delivers encoded frames for an active (device, stream type)
// pair. Subscribe returns a receive channel and an unsubscribe func; the
// channel is closed when the stream type is dropped from the device config.
type FrameSource interface {
	Subscribe(id domain.DeviceID, t domain.StreamType) (<-chan domain.Frame, func(), error)
	RequestKeyframe(id domain.DeviceID, t domain.StreamType)
}

// PeerSession is one negotiated WebRTC peer connection. The core drives the
// offer/answer/ICE sequence through it; encoding and transport live behind it.
type PeerSession interface {
	// CreateOffer generates and applies the local description, returning
	// its SDP.
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error

	// LocalCandidates returns the ICE candidates gathered so far, for
	// poll-based clients.
	LocalCandidates() []domain.ICECandidate

	Close() error
}

// TransportFactory builds peer sessions carrying one video track per
// requested stream type. onDisconnect fires once when the transport reports
// a terminal connection state.
type TransportFactory interface {
	NewPeerSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType, onDisconnect func()) (PeerSession, error)
}

// MetricsSink receives lifecycle observations from the core. Implemented by
// the Prometheus collector; a no-op implementation exists for tests.
type MetricsSink interface {
	SessionOpened(id domain.DeviceID)
	SessionClosed(id domain.DeviceID, reason string)
	SetStreamReferences(id domain.DeviceID, t domain.StreamType, count int)
	SetDeviceStreaming(id domain.DeviceID, running bool)
	ObserveNegotiationDuration(seconds float64)
	RecordSweep(closed int)
}

// NopMetricsSink discards all observations.
type NopMetricsSink struct{}

func (NopMetricsSink) SessionOpened(domain.DeviceID) {}

func (NopMetricsSink) SessionClosed(domain.DeviceID, string) {}

func (NopMetricsSink) SetStreamReferences(domain.DeviceID, domain.StreamType, int) {}

func (NopMetricsSink) SetDeviceStreaming(domain.DeviceID, bool) {}

func (NopMetricsSink) ObserveNegotiationDuration(float64) {}

func (NopMetricsSink) RecordSweep(int) {}
