package http

import (
	"errors"
	"net/http"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"
	apperrors "github.com/chrismatthieu/realsense-restapi/pkg/errors"

	"github.com/gin-gonic/gin"
)

// WebRTCHandler exposes the signaling lifecycle over REST. Every endpoint is
// a thin adapter around the session service; the WebSocket server carries the
// same operations as events.
type WebRTCHandler struct {
	sessions ports.SessionService
	refs     ports.ReferenceCounter
}

func NewWebRTCHandler(sessions ports.SessionService, refs ports.ReferenceCounter) *WebRTCHandler {
	return &WebRTCHandler{sessions: sessions, refs: refs}
}

func (h *WebRTCHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/webrtc")
	{
		api.POST("/offer", h.CreateOffer)
		api.POST("/answer", h.SubmitAnswer)
		api.POST("/ice-candidates", h.AddICECandidate)

		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/ice-candidates", h.ListICECandidates)
		api.POST("/sessions/:id/streams", h.SwitchStreams)
		api.POST("/sessions/:id/keepalive", h.KeepAlive)
		api.DELETE("/sessions/:id", h.CloseSession)
		api.DELETE("/sessions", h.CloseAllSessions)

		api.GET("/stream-references", h.StreamReferences)
	}
}

// CreateOffer opens a session: references are acquired, the peer connection
// is built and the offer SDP returned.
func (h *WebRTCHandler) CreateOffer(c *gin.Context) {
	var req struct {
		DeviceID    string   `json:"device_id" binding:"required"`
		StreamTypes []string `json:"stream_types" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	streamTypes, err := domain.ParseStreamTypes(req.StreamTypes)
	if err != nil {
		respondError(c, err)
		return
	}

	session, sdp, err := h.sessions.OpenSession(c.Request.Context(), domain.DeviceID(req.DeviceID), streamTypes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":   session.ID,
		"device_id":    session.DeviceID,
		"stream_types": session.StreamTypes,
		"sdp":          sdp,
		"type":         "offer",
	})
}

func (h *WebRTCHandler) SubmitAnswer(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
		SDP       string `json:"sdp" binding:"required"`
		Type      string `json:"type"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Type != "" && req.Type != "answer" {
		respondError(c, apperrors.NewInvalidInputError("type must be \"answer\""))
		return
	}

	if err := h.sessions.ApplyAnswer(c.Request.Context(), domain.SessionID(req.SessionID), req.SDP); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebRTCHandler) AddICECandidate(c *gin.Context) {
	var req struct {
		SessionID     string `json:"session_id" binding:"required"`
		Candidate     string `json:"candidate" binding:"required"`
		SDPMid        string `json:"sdp_mid"`
		SDPMLineIndex uint16 `json:"sdp_mline_index"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	err := h.sessions.AddICECandidate(c.Request.Context(), domain.SessionID(req.SessionID), domain.ICECandidate{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebRTCHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.ListSessions()})
}

func (h *WebRTCHandler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetSession(domain.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// ListICECandidates returns the server-gathered candidates for clients that
// poll instead of trickling over the WebSocket.
func (h *WebRTCHandler) ListICECandidates(c *gin.Context) {
	candidates, err := h.sessions.ICECandidates(domain.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

func (h *WebRTCHandler) SwitchStreams(c *gin.Context) {
	var req struct {
		StreamTypes []string `json:"stream_types" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	streamTypes, err := domain.ParseStreamTypes(req.StreamTypes)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.sessions.SwitchStreamTypes(c.Request.Context(), domain.SessionID(c.Param("id")), streamTypes); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stream_types": streamTypes})
}

// KeepAlive refreshes the idle deadline without any other side effect.
func (h *WebRTCHandler) KeepAlive(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if _, err := h.sessions.GetSession(id); err != nil {
		respondError(c, err)
		return
	}
	h.sessions.Touch(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebRTCHandler) CloseSession(c *gin.Context) {
	if err := h.sessions.CloseSession(c.Request.Context(), domain.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebRTCHandler) CloseAllSessions(c *gin.Context) {
	closed, err := h.sessions.CloseAllSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed_sessions": closed})
}

// StreamReferences is a diagnostic view over the reference counter.
func (h *WebRTCHandler) StreamReferences(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"references": h.refs.References(),
		"devices":    h.refs.DeviceStates(),
	})
}

// respondError maps domain sentinels to the error taxonomy and writes the
// structured response.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = mapDomainError(err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
		"details": appErr.Context,
	})
}

func mapDomainError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrInvalidStreamType):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidStreamType, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return apperrors.NewAppError(apperrors.ErrCodeDeviceUnavailable, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionLimitExceeded):
		return apperrors.NewAppError(apperrors.ErrCodeSessionLimit, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewAppError(apperrors.ErrCodeSessionNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidSessionState):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidSessionState, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrStreamStartFailed):
		return apperrors.NewAppError(apperrors.ErrCodeStreamStartFailed, err.Error(), http.StatusBadGateway)
	case errors.Is(err, domain.ErrStreamStopFailed):
		return apperrors.NewAppError(apperrors.ErrCodeStreamStopFailed, err.Error(), http.StatusBadGateway)
	case errors.Is(err, domain.ErrNegotiationFailed):
		return apperrors.NewAppError(apperrors.ErrCodeNegotiationFailed, err.Error(), http.StatusBadRequest)
	default:
		return apperrors.NewInternalError("internal server error")
	}
}
