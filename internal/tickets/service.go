package tickets

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/model"
)

// Notifier receives ticket changes after they are committed.
type Notifier interface {
	TicketUpdated(ctx context.Context, t model.Ticket)
}

// Service implements agent and administrative actions on tickets.
//
// Every successful transition is audited (best-effort) and then announced.
type Service struct {
	store  Store
	audit  *audit.Service
	notify Notifier
	log    *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, auditSvc *audit.Service, notify Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, audit: auditSvc, notify: notify, log: log.With("component", "tickets"), clock: time.Now}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Get(ctx context.Context, id string) (model.Ticket, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]model.Ticket, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidArgument
	}
	return s.store.List(ctx, f)
}

func (s *Service) Messages(ctx context.Context, ticketID string) ([]model.Message, error) {
	return s.store.Messages(ctx, ticketID)
}

func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	return s.store.MarkRead(ctx, messageID)
}

// Assign moves an AWAITING ticket to IN_PROGRESS under agent.
func (s *Service) Assign(ctx context.Context, id, agent, queue string) (model.Ticket, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return model.Ticket{}, ErrInvalidArgument
	}
	return s.transition(ctx, id, Update{To: model.TicketInProgress, Agent: agent, Queue: queue}, agent, "assigned")
}

func (s *Service) Close(ctx context.Context, id, actor, reason string) (model.Ticket, error) {
	if reason == "" {
		reason = "closed"
	}
	return s.transition(ctx, id, Update{To: model.TicketClosed}, actor, reason)
}

func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (model.Ticket, error) {
	if reason == "" {
		reason = "canceled"
	}
	return s.transition(ctx, id, Update{To: model.TicketCanceled}, actor, reason)
}

// CloseStale closes AWAITING tickets idle for longer than idle. It returns how many were closed.
// Tickets that moved or received a message after the scan are skipped; the
// check runs again under the store's lock.
func (s *Service) CloseStale(ctx context.Context, idle time.Duration, limit int) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-idle)
	stale, err := s.store.StaleAwaiting(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, t := range stale {
		u := Update{To: model.TicketClosed, From: model.TicketAwaiting, IdleSince: cutoff}
		_, err := s.transition(ctx, t.ID, u, audit.ActorSystem, "auto_close_idle")
		if errors.Is(err, ErrTicketActive) || errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *Service) transition(ctx context.Context, id string, u Update, actor, reason string) (model.Ticket, error) {
	if u.At.IsZero() {
		u.At = s.clock()
	}
	t, from, err := s.store.Transition(ctx, id, u)
	if err != nil {
		return model.Ticket{}, err
	}

	if s.audit != nil {
		if aerr := s.audit.LogTransition(ctx, t, from, actor, reason); aerr != nil {
			s.log.Warn("ticket audit failed", "ticket_id", t.ID, "err", aerr)
		}
	}
	if s.notify != nil {
		s.notify.TicketUpdated(ctx, t)
	}
	s.log.Info("ticket transition", "ticket_id", t.ID, "from", from, "to", t.Status, "actor", actor, "reason", reason)
	return t, nil
}
