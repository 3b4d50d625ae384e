package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimit(mw.NewKeyedLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, mw.DefaultIdle))

	// History queries are cached for a short TTL.
	caching := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second).Handler()

	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:serial", h.GetDevice)
		api.GET("/devices/:serial/statuses", caching, h.ListStatuses)
		api.GET("/devices/:serial/donations", caching, h.ListDonations)
		api.GET("/devices/:serial/commands", h.ListCommands)

		api.GET("/devices/:serial/configuration", h.GetConfiguration)
		api.PUT("/devices/:serial/configuration", h.PutConfiguration)
		api.POST("/devices/:serial/serial", h.ChangeSerial)
		api.POST("/devices/:serial/time-sync", h.SyncTime)
		api.POST("/devices/:serial/retrieve", h.Retrieve)

		api.GET("/sessions", h.ListSessions)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
