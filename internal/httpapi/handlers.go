package httpapi

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/auth"
	"chatdesk/internal/media"
	"chatdesk/internal/model"
	"chatdesk/internal/outbound"
	"chatdesk/internal/session"
	"chatdesk/internal/tickets"
	"chatdesk/internal/transport"
	"chatdesk/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Session is the part of *session.Manager the API drives.
type Session interface {
	Start(ctx context.Context) session.StartResult
	Stop(ctx context.Context)
	Status() session.StatusView
}

// Sender delivers outbound messages; *outbound.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req outbound.Request) (outbound.Result, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Session  Session
	Outbound Sender
	Tickets  *tickets.Service
	Media    *media.Ingestor
	Audit    *audit.Service
}

// --- Session ---

func (h Handlers) StartSession(c *gin.Context) {
	ok(c, h.Session.Start(c.Request.Context()))
}

func (h Handlers) StopSession(c *gin.Context) {
	h.Session.Stop(c.Request.Context())
	ok(c, gin.H{"stopped": true})
}

func (h Handlers) Status(c *gin.Context) {
	ok(c, h.Session.Status())
}

func (h Handlers) QR(c *gin.Context) {
	qr := h.Session.Status().QR
	if qr == "" {
		fail(c, http.StatusNotFound, "no qr code available")
		return
	}
	ok(c, gin.H{"qr": qr})
}

// --- Sending ---

type sendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendFileRequest struct {
	To       string `json:"to"`
	FilePath string `json:"filePath"`
	Caption  string `json:"caption,omitempty"`
}

type sendAudioRequest struct {
	To        string `json:"to"`
	AudioPath string `json:"audioPath"`
}

type sendResponse struct {
	MessageID   string `json:"messageId,omitempty"`
	TransportID string `json:"transportId,omitempty"`
	Delivered   bool   `json:"delivered"`
}

func (h Handlers) SendText(c *gin.Context) {
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if transport.NormalizeNumber(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, "to and text required")
		return
	}
	h.send(c, outbound.Request{To: req.To, Sender: model.SenderAgent, Text: req.Text})
}

func (h Handlers) SendFile(c *gin.Context) {
	var req sendFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if transport.NormalizeNumber(req.To) == "" || strings.TrimSpace(req.FilePath) == "" {
		fail(c, http.StatusBadRequest, "to and filePath required")
		return
	}
	f, loaded := h.loadFile(c, req.FilePath)
	if !loaded {
		return
	}
	desc := f.Descriptor(time.Now())
	h.send(c, outbound.Request{
		To:     req.To,
		Sender: model.SenderAgent,
		Text:   req.Caption,
		Media: &transport.OutboundMedia{
			Kind:     transport.MediaKindFor(f.MimeType),
			Data:     f.Data,
			MimeType: f.MimeType,
			FileName: f.Name,
			Caption:  req.Caption,
		},
		Descriptor: &desc,
	})
}

func (h Handlers) SendAudio(c *gin.Context) {
	var req sendAudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if transport.NormalizeNumber(req.To) == "" || strings.TrimSpace(req.AudioPath) == "" {
		fail(c, http.StatusBadRequest, "to and audioPath required")
		return
	}
	f, loaded := h.loadFile(c, req.AudioPath)
	if !loaded {
		return
	}
	desc := f.Descriptor(time.Now())
	h.send(c, outbound.Request{
		To:     req.To,
		Sender: model.SenderAgent,
		Media: &transport.OutboundMedia{
			Kind:     transport.MediaAudio,
			Data:     f.Data,
			MimeType: f.MimeType,
			FileName: f.Name,
			Voice:    true,
		},
		Descriptor: &desc,
	})
}

func (h Handlers) loadFile(c *gin.Context, ref string) (media.File, bool) {
	if h.Media == nil {
		fail(c, http.StatusInternalServerError, "media not configured")
		return media.File{}, false
	}
	f, err := h.Media.Load(ref)
	if errors.Is(err, fs.ErrNotExist) {
		fail(c, http.StatusNotFound, "file not found")
		return media.File{}, false
	}
	if err != nil {
		failFor(c, err)
		return media.File{}, false
	}
	return f, true
}

func (h Handlers) send(c *gin.Context, req outbound.Request) {
	res, err := h.Outbound.Send(c.Request.Context(), req)
	if err != nil {
		var serr *outbound.SendError
		switch {
		case errors.Is(err, session.ErrNotConnected):
			fail(c, http.StatusServiceUnavailable, "session not connected")
		case errors.As(err, &serr):
			logger.FromGin(c).Warn("send failed", "to", transport.NormalizeNumber(req.To), "attempts", serr.Attempts, "err", serr.Err)
			fail(c, http.StatusBadGateway, "send failed")
		default:
			failFor(c, err)
		}
		return
	}
	out := sendResponse{TransportID: res.TransportID, Delivered: res.Delivered}
	if res.Message != nil {
		out.MessageID = res.Message.ID
	}
	ok(c, out)
}

// --- Tickets ---

func (h Handlers) ListTickets(c *gin.Context) {
	f := tickets.Filter{
		Status:   model.TicketStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Customer: transport.NormalizeNumber(c.Query("customer")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	list, err := h.Tickets.List(c.Request.Context(), f)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, list)
}

func (h Handlers) GetTicket(c *gin.Context) {
	t, err := h.Tickets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, t)
}

func (h Handlers) TicketMessages(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.Tickets.Get(ctx, c.Param("id")); err != nil {
		failFor(c, err)
		return
	}
	msgs, err := h.Tickets.Messages(ctx, c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, msgs)
}

func (h Handlers) TicketHistory(c *gin.Context) {
	if h.Audit == nil {
		fail(c, http.StatusNotFound, "audit not configured")
		return
	}
	events, err := h.Audit.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, events)
}

type assignRequest struct {
	Agent string `json:"agent"`
	Queue string `json:"queue,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type replyRequest struct {
	Text string `json:"text"`
}

func (h Handlers) AssignTicket(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Agent) == "" {
		fail(c, http.StatusBadRequest, "agent required")
		return
	}
	t, err := h.Tickets.Assign(c.Request.Context(), c.Param("id"), req.Agent, req.Queue)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, t)
}

func (h Handlers) CloseTicket(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	t, err := h.Tickets.Close(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, t)
}

func (h Handlers) CancelTicket(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	t, err := h.Tickets.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, t)
}

// ReplyTicket sends an agent message to the ticket's customer and records it on the ticket.
func (h Handlers) ReplyTicket(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, "text required")
		return
	}
	t, err := h.Tickets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	if t.Status.IsTerminal() {
		fail(c, http.StatusConflict, "ticket is closed")
		return
	}
	h.send(c, outbound.Request{To: t.CustomerNumber, TicketID: t.ID, Sender: model.SenderAgent, Text: req.Text})
}

func (h Handlers) MarkRead(c *gin.Context) {
	if err := h.Tickets.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		failFor(c, err)
		return
	}
	ok(c, gin.H{"read": true})
}

// actor names the caller for the audit trail.
func actor(c *gin.Context) string {
	if sub, err := auth.Subject(c.Request.Context()); err == nil {
		return sub
	}
	return "api"
}
