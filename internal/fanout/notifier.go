package fanout

import (
	"context"
	"log/slog"
	"time"

	"chatdesk/internal/model"
)

// Notifier turns domain changes into fanout events.
// Publish failures are logged; they never propagate to the caller.
type Notifier struct {
	pub Publisher
	log *slog.Logger
	// now is injectable for deterministic tests.
	now func() time.Time
}

func NewNotifier(pub Publisher, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, log: log.With("component", "fanout"), now: time.Now}
}

// SessionPayload is the session_status body.
type SessionPayload struct {
	Status       model.SessionStatus `json:"status"`
	Connected    bool                `json:"connected"`
	SessionID    string              `json:"sessionId"`
	LastActivity time.Time           `json:"lastActivity"`
	LastError    string              `json:"lastError,omitempty"`
}

type qrPayload struct {
	QR string `json:"qr"`
}

func (n *Notifier) publish(ctx context.Context, typ Type, ticketID string, payload any) {
	if n == nil || n.pub == nil {
		return
	}
	ev, err := NewEvent(typ, ticketID, payload, n.now())
	if err != nil {
		n.log.Error("fanout event build failed", "type", typ, "err", err)
		return
	}
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.log.Warn("fanout publish failed", "type", typ, "ticket_id", ticketID, "err", err)
	}
}

func (n *Notifier) TicketUpdated(ctx context.Context, t model.Ticket) {
	n.publish(ctx, TypeTicketUpdated, t.ID, t)
}

func (n *Notifier) MessageIn(ctx context.Context, m model.Message) {
	n.publish(ctx, TypeMessageIn, m.TicketID, m)
}

func (n *Notifier) MessageOut(ctx context.Context, m model.Message) {
	n.publish(ctx, TypeMessageOut, m.TicketID, m)
}

func (n *Notifier) SessionStatus(ctx context.Context, s model.Session) {
	n.publish(ctx, TypeSessionStatus, "", SessionPayload{
		Status:       s.Status,
		Connected:    s.Status == model.SessionConnected,
		SessionID:    s.ID,
		LastActivity: s.LastActivity,
		LastError:    s.LastError,
	})
}

func (n *Notifier) QR(ctx context.Context, qr string) {
	n.publish(ctx, TypeQR, "", qrPayload{QR: qr})
}
