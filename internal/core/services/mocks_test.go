package services

import (
	"context"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type MockDeviceController struct {
	mock.Mock
}

func (m *MockDeviceController) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Device), args.Error(1)
}

func (m *MockDeviceController) GetDevice(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Device), args.Error(1)
}

func (m *MockDeviceController) StartOrReconfigure(ctx context.Context, id domain.DeviceID, profiles []domain.StreamProfile) error {
	args := m.Called(ctx, id, profiles)
	return args.Error(0)
}

func (m *MockDeviceController) Stop(ctx context.Context, id domain.DeviceID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockPeerSession struct {
	mock.Mock
}

func (m *MockPeerSession) CreateOffer(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPeerSession) ApplyAnswer(ctx context.Context, sdp string) error {
	args := m.Called(ctx, sdp)
	return args.Error(0)
}

func (m *MockPeerSession) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	args := m.Called(ctx, candidate)
	return args.Error(0)
}

func (m *MockPeerSession) LocalCandidates() []domain.ICECandidate {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.ICECandidate)
}

func (m *MockPeerSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockTransportFactory records every onDisconnect callback so tests can
// simulate transport failures.
type MockTransportFactory struct {
	mock.Mock
	Disconnects []func()
}

func (m *MockTransportFactory) NewPeerSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType, onDisconnect func()) (ports.PeerSession, error) {
	args := m.Called(ctx, deviceID, streamTypes)
	m.Disconnects = append(m.Disconnects, onDisconnect)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.PeerSession), args.Error(1)
}
