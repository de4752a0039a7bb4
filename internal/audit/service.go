package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chatdesk/internal/model"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByTicket(ctx context.Context, ticketID string) ([]Event, error)
}

// Service records ticket audit information.
//
// Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TicketID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogCreated records the creation of a ticket on first contact.
func (s *Service) LogCreated(ctx context.Context, t model.Ticket) error {
	return s.Append(ctx, Event{
		TicketID:       t.ID,
		CustomerNumber: t.CustomerNumber,
		Type:           EventTypeTicketCreated,
		ToStatus:       t.Status,
		Message:        "ticket opened",
	})
}

// LogTransition records a status change, whoever caused it.
func (s *Service) LogTransition(ctx context.Context, t model.Ticket, from model.TicketStatus, actor, reason string) error {
	typ := EventTypeTicketTransition
	if actor != "" && actor != ActorSystem {
		typ = EventTypeAgentAction
	}
	return s.Append(ctx, Event{
		TicketID:       t.ID,
		CustomerNumber: t.CustomerNumber,
		Type:           typ,
		Actor:          actor,
		FromStatus:     from,
		ToStatus:       t.Status,
		Message:        reason,
	})
}

func (s *Service) History(ctx context.Context, ticketID string) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByTicket(ctx, ticketID)
}
