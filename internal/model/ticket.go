package model

import (
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a customer conversation.
type TicketStatus string

const (
	TicketAwaiting   TicketStatus = "AWAITING"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketClosed     TicketStatus = "CLOSED"
	TicketCanceled   TicketStatus = "CANCELED"
)

// OpenTicketStatuses lists the non-terminal statuses.
var OpenTicketStatuses = []TicketStatus{TicketAwaiting, TicketInProgress}

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketAwaiting, TicketInProgress, TicketClosed, TicketCanceled:
		return true
	default:
		return false
	}
}

// IsOpen reports a non-terminal status.
func (s TicketStatus) IsOpen() bool {
	switch s {
	case TicketAwaiting, TicketInProgress:
		return true
	case TicketClosed, TicketCanceled:
		return false
	default:
		return false
	}
}

func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketClosed, TicketCanceled:
		return true
	case TicketAwaiting, TicketInProgress:
		return false
	default:
		return false
	}
}

func ParseTicketStatus(s string) (TicketStatus, error) {
	st := TicketStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("model: unknown ticket status %q", s)
	}
	return st, nil
}

// CanTransition encodes the ticket state machine.
// Terminal tickets never move; a later message opens a new ticket instead.
func CanTransition(from, to TicketStatus) bool {
	switch from {
	case TicketAwaiting:
		switch to {
		case TicketInProgress, TicketClosed, TicketCanceled:
			return true
		case TicketAwaiting:
			return false
		}
	case TicketInProgress:
		switch to {
		case TicketClosed, TicketCanceled:
			return true
		case TicketAwaiting, TicketInProgress:
			return false
		}
	case TicketClosed, TicketCanceled:
		return false
	}
	return false
}

// Ticket is a customer-service conversation. At most one open ticket exists per CustomerNumber.
type Ticket struct {
	ID             string       `json:"id"`
	CustomerNumber string       `json:"customerNumber"`
	CustomerName   string       `json:"customerName,omitempty"`
	Channel        string       `json:"channel"`
	Status         TicketStatus `json:"status"`
	Queue          string       `json:"queue,omitempty"`
	AssignedAgent  string       `json:"assignedAgent,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	ClosedAt       *time.Time   `json:"closedAt,omitempty"`
}

// Apply moves the ticket to status `to`, stamping ClosedAt for terminal states.
func (t *Ticket) Apply(to TicketStatus, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("model: ticket %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = at
	if to.IsTerminal() {
		closed := at
		t.ClosedAt = &closed
	}
	return nil
}
