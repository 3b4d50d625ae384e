package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"labdevice-gateway/internal/command"
	"labdevice-gateway/internal/correlator"
	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
	"labdevice-gateway/internal/retrieval"
	"labdevice-gateway/internal/store"
)

// GetConfiguration handles GET /api/devices/:serial/configuration. With
// refresh=true the configuration is read from the device, otherwise the
// last stored one is returned.
func (h *Handler) GetConfiguration(c *gin.Context) {
	ctx := c.Request.Context()
	serial := c.Param("serial")

	if c.Query("refresh") == "true" {
		cfg, err := h.commands.ReadConfiguration(ctx, serial)
		if err != nil {
			commandError(c, err)
			return
		}
		c.JSON(http.StatusOK, model.NewDeviceSetup(cfg, time.Now()))
		return
	}

	setup, err := h.store.GetSetup(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "configuration not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, setup)
}

type putConfigurationRequest struct {
	model.DeviceSetup
	WiFiPassword string `json:"wifi_password"`
}

// PutConfiguration handles PUT /api/devices/:serial/configuration.
func (h *Handler) PutConfiguration(c *gin.Context) {
	var req putConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	serial := c.Param("serial")
	req.DeviceSerial = serial
	cfg := req.DeviceSetup.Configuration()
	cfg.WiFiPassword = req.WiFiPassword

	if err := h.commands.WriteConfiguration(c.Request.Context(), serial, cfg); err != nil {
		commandError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type changeSerialRequest struct {
	NewSerial string `json:"new_serial" binding:"required"`
}

// ChangeSerial handles POST /api/devices/:serial/serial.
func (h *Handler) ChangeSerial(c *gin.Context) {
	var req changeSerialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.commands.ChangeSerial(c.Request.Context(), c.Param("serial"), req.NewSerial)
	if err != nil {
		commandError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "device did not confirm serial change"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial_number": req.NewSerial})
}

type timeSyncRequest struct {
	Time *time.Time `json:"time"`
}

// SyncTime handles POST /api/devices/:serial/time-sync. The body is optional
// and defaults to the current time.
func (h *Handler) SyncTime(c *gin.Context) {
	var req timeSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	t := time.Now()
	if req.Time != nil {
		t = *req.Time
	}

	if err := h.commands.SyncTime(c.Request.Context(), c.Param("serial"), t); err != nil {
		commandError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Retrieve handles POST /api/devices/:serial/retrieve.
func (h *Handler) Retrieve(c *gin.Context) {
	n, err := h.retriever.RetrieveSerial(c.Request.Context(), c.Param("serial"))
	if err != nil {
		commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": n})
}

// commandError maps a device command failure to an HTTP status.
func commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
	case errors.Is(err, parse.ErrInvalidField):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, correlator.ErrTimeout):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": correlator.ErrTimeout.Error()})
	case errors.Is(err, command.ErrNoAddress), errors.Is(err, retrieval.ErrNoAddress),
		errors.Is(err, correlator.ErrSuperseded), errors.Is(err, store.ErrSerialTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
