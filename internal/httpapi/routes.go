package httpapi

import "github.com/gin-gonic/gin"

// Register mounts the REST surface on r. Authentication, if any, is applied by the caller.
func Register(r gin.IRouter, h Handlers) {
	r.POST("/start-session", h.StartSession)
	r.POST("/stop-session", h.StopSession)
	r.GET("/status", h.Status)
	r.GET("/qr", h.QR)

	r.POST("/send-text", h.SendText)
	r.POST("/send-file", h.SendFile)
	r.POST("/send-audio", h.SendAudio)

	t := r.Group("/tickets")
	{
		t.GET("", h.ListTickets)
		t.GET("/:id", h.GetTicket)
		t.GET("/:id/messages", h.TicketMessages)
		t.GET("/:id/history", h.TicketHistory)
		t.POST("/:id/assign", h.AssignTicket)
		t.POST("/:id/close", h.CloseTicket)
		t.POST("/:id/cancel", h.CancelTicket)
		t.POST("/:id/reply", h.ReplyTicket)
	}

	r.POST("/messages/:id/read", h.MarkRead)
}
