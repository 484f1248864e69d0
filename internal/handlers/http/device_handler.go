package http

import (
	"net/http"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"
	apperrors "github.com/chrismatthieu/realsense-restapi/pkg/errors"

	"github.com/gin-gonic/gin"
)

// DeviceHandler exposes camera discovery plus the per-device streaming state.
type DeviceHandler struct {
	devices ports.DeviceController
	refs    ports.ReferenceCounter
}

func NewDeviceHandler(devices ports.DeviceController, refs ports.ReferenceCounter) *DeviceHandler {
	return &DeviceHandler{devices: devices, refs: refs}
}

func (h *DeviceHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:id", h.GetDevice)
	}
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.devices.ListDevices(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.NewInternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id := domain.DeviceID(c.Param("id"))

	device, err := h.devices.GetDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":    device,
		"streaming": h.refs.DeviceState(id),
	})
}
