package httpapi

import (
	"errors"
	"net/http"

	"chatdesk/internal/audit"
	"chatdesk/internal/media"
	"chatdesk/internal/session"
	"chatdesk/internal/tickets"
	"chatdesk/pkg/logger"

	"github.com/gin-gonic/gin"
)

// envelope is the response shape of every endpoint except /healthz.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: msg})
}

// failFor maps a service error onto a status and a message that leaks no internals.
func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		fail(c, http.StatusServiceUnavailable, "session not connected")
	case errors.Is(err, tickets.ErrNotFound):
		fail(c, http.StatusNotFound, "not found")
	case errors.Is(err, tickets.ErrInvalidTransition), errors.Is(err, tickets.ErrTicketActive):
		fail(c, http.StatusConflict, "invalid ticket transition")
	case errors.Is(err, tickets.ErrInvalidArgument):
		fail(c, http.StatusBadRequest, "invalid argument")
	case errors.Is(err, media.ErrOutsideRoot), errors.Is(err, media.ErrEmptyPayload):
		fail(c, http.StatusBadRequest, "invalid file")
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

// ClientIP records the caller address for the ticket audit trail.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}
