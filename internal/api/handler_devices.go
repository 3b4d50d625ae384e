package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"labdevice-gateway/internal/server"
	"labdevice-gateway/internal/store"
)

// defaultRange is the history window when from is not given.
const defaultRange = 24 * time.Hour

// Health reports liveness of the HTTP process.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve devices"})
		return
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice handles GET /api/devices/:serial, including the current status
// when one was reported.
func (h *Handler) GetDevice(c *gin.Context) {
	ctx := c.Request.Context()
	serial := c.Param("serial")

	device, err := h.store.GetDevice(ctx, serial)
	if err != nil {
		storeError(c, err)
		return
	}

	resp := gin.H{"device": device}
	status, err := h.store.CurrentStatus(ctx, serial)
	switch {
	case err == nil:
		resp["status"] = status
	case !errors.Is(err, store.ErrNotFound):
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListStatuses handles GET /api/devices/:serial/statuses?from&to.
func (h *Handler) ListStatuses(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	records, err := h.store.ListStatuses(c.Request.Context(), c.Param("serial"), from, to)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// ListDonations handles GET /api/devices/:serial/donations?from&to.
func (h *Handler) ListDonations(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	records, err := h.store.ListDonations(c.Request.Context(), c.Param("serial"), from, to)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// ListCommands handles GET /api/devices/:serial/commands.
func (h *Handler) ListCommands(c *gin.Context) {
	cmds, err := h.store.ListCommands(c.Request.Context(), c.Param("serial"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmds)
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusOK, []server.SessionInfo{})
		return
	}
	c.JSON(http.StatusOK, h.sessions.Sessions())
}

// timeRange reads RFC 3339 from and to query parameters. to defaults to now
// and from to one day before to.
func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	to := time.Now()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' timestamp format. Use RFC3339."})
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	from := to.Add(-defaultRange)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp format. Use RFC3339."})
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if !from.Before(to) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "'from' must be before 'to'"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
