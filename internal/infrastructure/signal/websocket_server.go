package signal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"
	apperrors "github.com/chrismatthieu/realsense-restapi/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config carries the WebSocket server tunables.
type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	MessagesPerSecond float64
	Burst             int
}

// WebSocketServer is the event-based signaling surface. One connection can
// drive any number of sessions; sessions opened over a connection are closed
// when the connection goes away.
type WebSocketServer struct {
	sessions ports.SessionService
	config   Config
	logger   *zap.SugaredLogger
}

// SignalMessage is the envelope for every client-to-server event.
type SignalMessage struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type OpenSessionPayload struct {
	DeviceID    string   `json:"device_id"`
	StreamTypes []string `json:"stream_types"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

type SwitchStreamsPayload struct {
	StreamTypes []string `json:"stream_types"`
}

func NewWebSocketServer(sessions ports.SessionService, config Config, logger *zap.SugaredLogger) *WebSocketServer {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = 100
	}
	if config.Burst <= 0 {
		config.Burst = 200
	}
	return &WebSocketServer{sessions: sessions, config: config, logger: logger}
}

// HandleWebSocket upgrades the request and runs the signaling loop until the
// connection dies.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &signalClient{
		server:  s,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst),
		owned:   make(map[domain.SessionID]bool),
		logger:  s.logger,
	}
	client.run(r.Context())
}

// signalClient is the per-connection state: the socket, a write lock, the
// message rate limiter and the set of sessions this connection opened.
type signalClient struct {
	server  *WebSocketServer
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[domain.SessionID]bool
}

func (c *signalClient) run(ctx context.Context) {
	defer c.cleanup()

	cfg := c.server.config
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	// done unparks the reader if run exits with the message buffer full,
	// for example through the ping-failure path.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg SignalMessage
			if err := c.conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if !c.limiter.Allow() {
				c.sendError("", apperrors.NewRateLimitError())
				continue
			}
			if err := c.handleMessage(ctx, msg); err != nil {
				c.logger.Infow("signaling message failed",
					"type", msg.Type, "session_id", msg.SessionID, "error", err)
				c.sendError(msg.SessionID, err)
			}

		case <-pingTicker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Infow("ping failed", "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Infow("websocket read failed", "error", err)
			}
			return
		}
	}
}

// cleanup closes every session this connection opened. The signaling channel
// going away means nobody is left to drive those sessions.
func (c *signalClient) cleanup() {
	c.conn.Close()

	c.mu.Lock()
	owned := make([]domain.SessionID, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = make(map[domain.SessionID]bool)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range owned {
		if err := c.server.sessions.CloseSession(ctx, id); err != nil {
			// Already closed by another path; nothing to do.
			continue
		}
		c.logger.Infow("closed orphaned session", "session_id", id)
	}
}

func (c *signalClient) handleMessage(ctx context.Context, msg SignalMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.SessionID != "" {
		c.server.sessions.Touch(msg.SessionID)
	}

	switch msg.Type {
	case "open_session":
		return c.handleOpenSession(ctx, msg)
	case "answer":
		return c.handleAnswer(ctx, msg)
	case "ice_candidate":
		return c.handleICECandidate(ctx, msg)
	case "switch_streams":
		return c.handleSwitchStreams(ctx, msg)
	case "close_session":
		return c.handleCloseSession(ctx, msg)
	case "get_session":
		return c.handleGetSession(msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (c *signalClient) handleOpenSession(ctx context.Context, msg SignalMessage) error {
	var payload OpenSessionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid open_session payload: %w", err)
	}
	if payload.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	streamTypes, err := domain.ParseStreamTypes(payload.StreamTypes)
	if err != nil {
		return err
	}

	session, sdp, err := c.server.sessions.OpenSession(ctx, domain.DeviceID(payload.DeviceID), streamTypes)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.owned[session.ID] = true
	c.mu.Unlock()

	return c.send(map[string]interface{}{
		"type":         "session_opened",
		"session_id":   session.ID,
		"device_id":    session.DeviceID,
		"stream_types": session.StreamTypes,
		"sdp":          sdp,
		"sdp_type":     "offer",
	})
}

func (c *signalClient) handleAnswer(ctx context.Context, msg SignalMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	var payload AnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}
	if payload.SDP == "" {
		return fmt.Errorf("sdp is required")
	}

	if err := c.server.sessions.ApplyAnswer(ctx, msg.SessionID, payload.SDP); err != nil {
		return err
	}
	return c.send(map[string]interface{}{
		"type":       "session_connected",
		"session_id": msg.SessionID,
	})
}

func (c *signalClient) handleICECandidate(ctx context.Context, msg SignalMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	var payload ICECandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ice_candidate payload: %w", err)
	}
	if payload.Candidate == "" {
		return fmt.Errorf("candidate is required")
	}

	return c.server.sessions.AddICECandidate(ctx, msg.SessionID, domain.ICECandidate{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
}

func (c *signalClient) handleSwitchStreams(ctx context.Context, msg SignalMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	var payload SwitchStreamsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid switch_streams payload: %w", err)
	}
	streamTypes, err := domain.ParseStreamTypes(payload.StreamTypes)
	if err != nil {
		return err
	}

	if err := c.server.sessions.SwitchStreamTypes(ctx, msg.SessionID, streamTypes); err != nil {
		return err
	}
	return c.send(map[string]interface{}{
		"type":         "streams_switched",
		"session_id":   msg.SessionID,
		"stream_types": streamTypes,
	})
}

func (c *signalClient) handleCloseSession(ctx context.Context, msg SignalMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	c.mu.Lock()
	delete(c.owned, msg.SessionID)
	c.mu.Unlock()

	if err := c.server.sessions.CloseSession(ctx, msg.SessionID); err != nil {
		return err
	}
	return c.send(map[string]interface{}{
		"type":       "session_closed",
		"session_id": msg.SessionID,
	})
}

func (c *signalClient) handleGetSession(msg SignalMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	session, err := c.server.sessions.GetSession(msg.SessionID)
	if err != nil {
		return err
	}
	return c.send(map[string]interface{}{
		"type":    "session_status",
		"session": session,
	})
}

func (c *signalClient) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *signalClient) sendError(sessionID domain.SessionID, err error) {
	code := apperrors.ErrCodeInternal
	message := err.Error()
	if appErr := apperrors.GetAppError(err); appErr != nil {
		code = appErr.Code
		message = appErr.Message
	} else {
		code, message = errorCode(err)
	}

	payload := map[string]interface{}{
		"type":    "error",
		"error":   string(code),
		"message": message,
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	if sendErr := c.send(payload); sendErr != nil {
		c.logger.Debugw("failed to send error message", "error", sendErr)
	}
}

func isDomainErr(err, target error) bool {
	return stderrors.Is(err, target)
}

// errorCode maps domain sentinels to wire error codes.
func errorCode(err error) (apperrors.ErrorCode, string) {
	switch {
	case isDomainErr(err, domain.ErrInvalidStreamType):
		return apperrors.ErrCodeInvalidStreamType, err.Error()
	case isDomainErr(err, domain.ErrDeviceUnavailable):
		return apperrors.ErrCodeDeviceUnavailable, err.Error()
	case isDomainErr(err, domain.ErrSessionLimitExceeded):
		return apperrors.ErrCodeSessionLimit, err.Error()
	case isDomainErr(err, domain.ErrSessionNotFound):
		return apperrors.ErrCodeSessionNotFound, err.Error()
	case isDomainErr(err, domain.ErrInvalidSessionState):
		return apperrors.ErrCodeInvalidSessionState, err.Error()
	case isDomainErr(err, domain.ErrStreamStartFailed):
		return apperrors.ErrCodeStreamStartFailed, err.Error()
	case isDomainErr(err, domain.ErrNegotiationFailed):
		return apperrors.ErrCodeNegotiationFailed, err.Error()
	default:
		return apperrors.ErrCodeInternal, err.Error()
	}
}
