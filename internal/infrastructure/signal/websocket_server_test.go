package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) OpenSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType) (*domain.Session, string, error) {
	args := m.Called(ctx, deviceID, streamTypes)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*domain.Session), args.String(1), args.Error(2)
}

func (m *MockSessionService) ApplyAnswer(ctx context.Context, id domain.SessionID, sdp string) error {
	args := m.Called(ctx, id, sdp)
	return args.Error(0)
}

func (m *MockSessionService) AddICECandidate(ctx context.Context, id domain.SessionID, candidate domain.ICECandidate) error {
	args := m.Called(ctx, id, candidate)
	return args.Error(0)
}

func (m *MockSessionService) ICECandidates(id domain.SessionID) ([]domain.ICECandidate, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ICECandidate), args.Error(1)
}

func (m *MockSessionService) SwitchStreamTypes(ctx context.Context, id domain.SessionID, streamTypes []domain.StreamType) error {
	args := m.Called(ctx, id, streamTypes)
	return args.Error(0)
}

func (m *MockSessionService) CloseSession(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) CloseAllSessions(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionService) Touch(id domain.SessionID) {
	m.Called(id)
}

func (m *MockSessionService) GetSession(id domain.SessionID) (*domain.Session, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionService) ListSessions() []*domain.Session {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*domain.Session)
}

func (m *MockSessionService) SweepExpired(ctx context.Context) []domain.SessionID {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.SessionID)
}

func dialTestServer(t *testing.T, sessions *MockSessionService) (*websocket.Conn, func()) {
	t.Helper()
	server := NewWebSocketServer(sessions, Config{}, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))

	url := strings.Replace(ts.URL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestWebSocketServer_OpenSession(t *testing.T) {
	sessions := new(MockSessionService)
	session := &domain.Session{
		ID:          "sess-1",
		DeviceID:    "dev-1",
		StreamTypes: []domain.StreamType{domain.StreamTypeColor},
		State:       domain.StatePending,
	}
	sessions.On("OpenSession", mock.Anything, domain.DeviceID("dev-1"),
		[]domain.StreamType{domain.StreamTypeColor}).Return(session, "v=0 offer", nil)

	conn, teardown := dialTestServer(t, sessions)
	defer teardown()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "open_session",
		"payload": map[string]interface{}{
			"device_id":    "dev-1",
			"stream_types": []string{"color"},
		},
	}))

	event := readEvent(t, conn)
	assert.Equal(t, "session_opened", event["type"])
	assert.Equal(t, "sess-1", event["session_id"])
	assert.Equal(t, "v=0 offer", event["sdp"])
	assert.Equal(t, "offer", event["sdp_type"])
}

func TestWebSocketServer_DisconnectClosesOwnedSessions(t *testing.T) {
	sessions := new(MockSessionService)
	session := &domain.Session{ID: "sess-1", DeviceID: "dev-1",
		StreamTypes: []domain.StreamType{domain.StreamTypeColor}}
	sessions.On("OpenSession", mock.Anything, mock.Anything, mock.Anything).
		Return(session, "v=0 offer", nil)

	closed := make(chan struct{})
	sessions.On("CloseSession", mock.Anything, domain.SessionID("sess-1")).
		Run(func(mock.Arguments) { close(closed) }).Return(nil)

	conn, teardown := dialTestServer(t, sessions)
	defer teardown()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "open_session",
		"payload": map[string]interface{}{
			"device_id":    "dev-1",
			"stream_types": []string{"color"},
		},
	}))
	readEvent(t, conn)

	// The browser goes away without closing its session.
	conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("owned session was not closed after disconnect")
	}
}

func TestWebSocketServer_CloseSessionEvent(t *testing.T) {
	sessions := new(MockSessionService)
	sessions.On("Touch", domain.SessionID("sess-1")).Return()
	sessions.On("CloseSession", mock.Anything, domain.SessionID("sess-1")).Return(nil)

	conn, teardown := dialTestServer(t, sessions)
	defer teardown()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "close_session",
		"session_id": "sess-1",
	}))

	event := readEvent(t, conn)
	assert.Equal(t, "session_closed", event["type"])
	assert.Equal(t, "sess-1", event["session_id"])
}

func TestWebSocketServer_ErrorEvents(t *testing.T) {
	sessions := new(MockSessionService)
	sessions.On("Touch", domain.SessionID("missing")).Return()
	sessions.On("GetSession", domain.SessionID("missing")).
		Return(nil, domain.ErrSessionNotFound)

	conn, teardown := dialTestServer(t, sessions)
	defer teardown()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "bogus",
	}))
	event := readEvent(t, conn)
	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "INTERNAL_ERROR", event["error"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "get_session",
		"session_id": "missing",
	}))
	event = readEvent(t, conn)
	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "SESSION_NOT_FOUND", event["error"])
	assert.Equal(t, "missing", event["session_id"])
}
