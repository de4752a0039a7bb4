package main

import (
	"context"
	"net/http"
	"time"

	"chatdesk/internal/auth"
	"chatdesk/internal/config"
	"chatdesk/internal/fanout"
	"chatdesk/internal/httpapi"
	"chatdesk/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, cfg config.Config) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": a.session.Status().Status})
	})

	// Stored attachments; file names are random UUIDs.
	r.Static(a.media.PublicPath(), a.media.Root())

	api := r.Group("/")
	if a.authMgr != nil {
		api.Use(auth.RequireServiceToken(a.authMgr))
	}
	api.Use(httpapi.ClientIP())

	// Live events for agent UIs.
	api.GET("/ws", fanout.NewHandler(a.hub, cfg.App.AllowedOrigins, a.log).Handle)

	httpapi.Register(api, httpapi.Handlers{
		Session:  a.session,
		Outbound: a.outbound,
		Tickets:  a.tickets,
		Media:    a.media,
		Audit:    a.audit,
	})
}
