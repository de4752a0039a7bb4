package audit

import (
	"time"

	"chatdesk/internal/model"
)

// Event is an immutable, append-only record of something that happened to a ticket.
//
// Invariants:
//   - Events are never updated or deleted.
//   - ticket_id is required.
//   - Actor and IP capture are best-effort; audit failures never block ticket flows.
type Event struct {
	ID             string `json:"id" db:"id"`
	TicketID       string `json:"ticketId" db:"ticket_id"`
	CustomerNumber string `json:"customerNumber,omitempty" db:"customer_number"`

	Type EventType `json:"type" db:"type"`

	// Actor is the agent, service subject or "system" that caused the event.
	Actor     string `json:"actor,omitempty" db:"actor"`
	IPAddress string `json:"ipAddress,omitempty" db:"ip_address"`

	FromStatus model.TicketStatus `json:"fromStatus,omitempty" db:"from_status"`
	ToStatus   model.TicketStatus `json:"toStatus,omitempty" db:"to_status"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EventType string

const (
	EventTypeTicketCreated    EventType = "ticket_created"
	EventTypeTicketTransition EventType = "ticket_transition"
	EventTypeAgentAction      EventType = "agent_action"
)

const ActorSystem = "system"
