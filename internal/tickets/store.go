package tickets

import (
	"context"
	"errors"
	"time"

	"chatdesk/internal/model"
	"chatdesk/internal/routing"
)

var (
	ErrNotFound          = errors.New("tickets: not found")
	ErrInvalidTransition = errors.New("tickets: invalid transition")
	ErrOpenTicketExists  = errors.New("tickets: customer already has an open ticket")
	ErrInvalidArgument   = errors.New("tickets: invalid argument")
	// ErrTicketActive means a guarded Update found the ticket moved or touched after the guard.
	ErrTicketActive = errors.New("tickets: ticket changed since it was read")
)

// IngestInput is one inbound customer message ready to be persisted.
// Message.ID, TicketID and Seq are assigned by the store.
type IngestInput struct {
	CustomerNumber string
	CustomerName   string
	Channel        string
	Message        model.Message
	Now            time.Time
}

// Transition describes a status change applied inside Ingest.
type Transition struct {
	From     model.TicketStatus
	To       model.TicketStatus
	Decision routing.Decision
}

type IngestResult struct {
	Ticket  model.Ticket
	Message model.Message
	// Created is true when this message opened the ticket.
	Created bool
	// Duplicate is true when TransportMessageID was already stored; nothing was written.
	Duplicate  bool
	Transition *Transition
	// DecisionErr is the routing policy's error, if any. The ticket was kept AWAITING.
	DecisionErr error
}

// Update is an agent or system status change.
type Update struct {
	To model.TicketStatus
	// Agent, when set, becomes AssignedAgent.
	Agent string
	Queue string
	// At defaults to the store's clock.
	At time.Time

	// From, when set, requires the ticket to still be in this status.
	From model.TicketStatus
	// IdleSince, when set, requires the ticket not to have been updated at or after it.
	IdleSince time.Time
}

// guard checks u's preconditions against the current ticket, read under the store's lock.
func (u Update) guard(t model.Ticket) error {
	if u.From != "" && t.Status != u.From {
		return ErrTicketActive
	}
	if !u.IdleSince.IsZero() && !t.UpdatedAt.Before(u.IdleSince) {
		return ErrTicketActive
	}
	return nil
}

type Filter struct {
	Status   model.TicketStatus
	Customer string
	Limit    int
}

// Store persists tickets and their messages.
//
// Invariants every implementation upholds:
//   - at most one ticket with an open status per CustomerNumber;
//   - Ingest is one atomic unit of work per customer: resolve-or-create,
//     message insert and the routing transition commit together or not at all;
//   - messages of a ticket get strictly increasing Seq in insert order.
type Store interface {
	Ingest(ctx context.Context, in IngestInput, policy routing.Policy) (IngestResult, error)

	Get(ctx context.Context, id string) (model.Ticket, error)
	OpenByCustomer(ctx context.Context, customer string) (model.Ticket, error)
	List(ctx context.Context, f Filter) ([]model.Ticket, error)
	// StaleAwaiting lists AWAITING tickets not updated since before.
	StaleAwaiting(ctx context.Context, before time.Time, limit int) ([]model.Ticket, error)
	// Transition returns the updated ticket and the status it moved from.
	Transition(ctx context.Context, id string, u Update) (model.Ticket, model.TicketStatus, error)

	// AppendMessage stores an agent or system message on an existing ticket.
	AppendMessage(ctx context.Context, m model.Message) (model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	Messages(ctx context.Context, ticketID string) ([]model.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	SetDelivery(ctx context.Context, messageID string, status model.DeliveryStatus, transportID string) error
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultListLimit
	}
	return f.Limit
}

// decide runs the policy for an AWAITING ticket and validates the outcome.
func decide(ctx context.Context, policy routing.Policy, t model.Ticket, m model.Message, first bool) (*Transition, error) {
	if policy == nil || t.Status != model.TicketAwaiting {
		return nil, nil
	}
	d, err := policy.Decide(ctx, routing.Input{Ticket: t, Message: m, FirstMessage: first})
	if err != nil {
		return nil, err
	}
	to, ok := d.Target()
	if !ok {
		return nil, nil
	}
	if !model.CanTransition(t.Status, to) {
		return nil, ErrInvalidTransition
	}
	return &Transition{From: t.Status, To: to, Decision: d}, nil
}
