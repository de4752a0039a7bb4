package fanout

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 4096
)

// clientFrame is what dashboards send to change their ticket subscriptions.
type clientFrame struct {
	Action   string `json:"action"`
	TicketID string `json:"ticketId"`
}

// Handler upgrades dashboard connections and streams hub events to them.
//
// Every connection receives the global topic. Ticket topics come from the
// ?ticket= query parameter and from subscribe/unsubscribe frames.
type Handler struct {
	hub          *Hub
	log          *slog.Logger
	upgrader     websocket.Upgrader
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// NewHandler builds a handler. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		hub:          hub,
		log:          log.With("component", "fanout_ws"),
		PingInterval: defaultPingInterval,
		WriteTimeout: defaultWriteTimeout,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	sub := h.hub.Subscribe(TopicGlobal)
	for _, id := range c.QueryArray("ticket") {
		if id != "" {
			sub.Add(TicketTopic(id))
		}
	}
	h.log.Info("dashboard connected", "client_ip", c.ClientIP(), "subscribers", h.hub.Subscribers())

	done := make(chan struct{})
	go h.readLoop(conn, sub, done)
	h.writeLoop(conn, sub, done)

	sub.Close()
	_ = conn.Close()
	h.log.Info("dashboard disconnected", "client_ip", c.ClientIP())
}

func (h *Handler) readLoop(conn *websocket.Conn, sub *Subscription, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * h.PingInterval
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.TicketID == "" {
			continue
		}
		switch f.Action {
		case "subscribe":
			sub.Add(TicketTopic(f.TicketID))
		case "unsubscribe":
			sub.Remove(TicketTopic(f.TicketID))
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
