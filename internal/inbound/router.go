package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/classifier"
	"chatdesk/internal/model"
	"chatdesk/internal/routing"
	"chatdesk/internal/tickets"
	"chatdesk/internal/transport"
)

// MediaIngestor persists attachments; *media.Ingestor implements it.
type MediaIngestor interface {
	Ingest(ctx context.Context, data []byte, mimeType, originalName string) (model.MediaDescriptor, error)
}

// Welcomer sends the greeting for a newly opened ticket. It must not block
// and its failures stay on its own side channel.
type Welcomer interface {
	EnqueueWelcome(ctx context.Context, t model.Ticket)
}

type Notifier interface {
	MessageIn(ctx context.Context, m model.Message)
	TicketUpdated(ctx context.Context, t model.Ticket)
}

// PersistenceError means the inbound event could not be stored and was dropped.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "inbound " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Outcome is what Handle did with one event.
type Outcome struct {
	Ticket     model.Ticket
	Message    model.Message
	Created    bool
	Duplicate  bool
	Transition *tickets.Transition
}

type Config struct {
	Store    tickets.Store
	Policy   routing.Policy
	Media    MediaIngestor
	Welcomer Welcomer
	Notifier Notifier
	Audit    *audit.Service
	// Channel labels new tickets, e.g. "whatsapp".
	Channel string
	// FetchTimeout bounds downloading one attachment from the transport.
	FetchTimeout time.Duration
	Log          *slog.Logger
}

// Router runs one inbound customer message through classification, media
// ingestion, ticket resolution and routing, then announces the result.
//
// Callers serialize Handle per customer number (see Queue); the store
// enforces the open-ticket invariant on its own regardless.
type Router struct {
	cfg Config
	log *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewRouter(cfg Config) *Router {
	if cfg.Policy == nil {
		cfg.Policy = routing.Keep
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Router{cfg: cfg, log: log.With("component", "inbound"), clock: time.Now}
}

func (r *Router) Handle(ctx context.Context, ev transport.MessageReceived) (Outcome, error) {
	if err := transport.Validate(ev); err != nil {
		return Outcome{}, err
	}
	customer := transport.NormalizeNumber(ev.From)
	log := r.log.With("customer", customer, "transport_id", ev.ID)

	cls := classifier.Classify(ev.Kind)
	msg := model.Message{
		Sender:             model.SenderCustomer,
		Kind:               cls.Kind,
		Content:            classifier.Body(cls, ev.Text),
		TransportMessageID: ev.ID,
		Delivery:           model.DeliveryReceived,
	}
	if !cls.Supported {
		log.Info("unsupported message kind", "kind", ev.Kind)
	}

	if classifier.IsMedia(cls.Kind) {
		desc, err := r.ingest(ctx, ev.Attachment)
		switch {
		case err != nil:
			// The message is still stored, text-only.
			msg.Degraded = true
			log.Warn("media ingestion failed", "kind", cls.Kind, "err", err)
		default:
			msg.Media = &desc
			msg.Degraded = !desc.Recognized
		}
	}

	res, err := r.cfg.Store.Ingest(ctx, tickets.IngestInput{
		CustomerNumber: customer,
		CustomerName:   ev.DisplayName,
		Channel:        r.cfg.Channel,
		Message:        msg,
		Now:            r.clock(),
	}, r.cfg.Policy)
	if err != nil {
		perr := &PersistenceError{Op: "ingest", Err: err}
		log.Error("inbound message dropped", "err", perr)
		return Outcome{}, perr
	}

	out := Outcome{
		Ticket:     res.Ticket,
		Message:    res.Message,
		Created:    res.Created,
		Duplicate:  res.Duplicate,
		Transition: res.Transition,
	}
	if res.Duplicate {
		log.Debug("duplicate inbound message skipped", "message_id", res.Message.ID)
		return out, nil
	}
	if res.DecisionErr != nil {
		log.Warn("routing policy failed; ticket kept", "ticket_id", res.Ticket.ID, "err", res.DecisionErr)
	}

	// Committed from here on; nothing below can undo it.
	if res.Created {
		if r.cfg.Welcomer != nil {
			r.cfg.Welcomer.EnqueueWelcome(ctx, res.Ticket)
		}
		r.auditCreated(ctx, res.Ticket)
	}
	if res.Transition != nil {
		r.auditTransition(ctx, res.Ticket, res.Transition)
	}

	if r.cfg.Notifier != nil {
		r.cfg.Notifier.MessageIn(ctx, res.Message)
		if res.Created || res.Transition != nil {
			r.cfg.Notifier.TicketUpdated(ctx, res.Ticket)
		}
	}

	log.Info("inbound message stored",
		"ticket_id", res.Ticket.ID,
		"message_id", res.Message.ID,
		"kind", res.Message.Kind,
		"created", res.Created,
		"status", res.Ticket.Status,
		"degraded", res.Message.Degraded,
	)
	return out, nil
}

func (r *Router) ingest(ctx context.Context, a *transport.Attachment) (model.MediaDescriptor, error) {
	if a == nil || a.Fetch == nil {
		return model.MediaDescriptor{}, errors.New("attachment missing")
	}
	if r.cfg.Media == nil {
		return model.MediaDescriptor{}, errors.New("media storage not configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	data, err := a.Fetch(fetchCtx)
	if err != nil {
		return model.MediaDescriptor{}, fmt.Errorf("fetch attachment: %w", err)
	}
	return r.cfg.Media.Ingest(ctx, data, a.MimeType, a.FileName)
}

func (r *Router) auditCreated(ctx context.Context, t model.Ticket) {
	if r.cfg.Audit == nil {
		return
	}
	created := t
	created.Status = model.TicketAwaiting
	if err := r.cfg.Audit.LogCreated(ctx, created); err != nil {
		r.log.Warn("ticket audit failed", "ticket_id", t.ID, "err", err)
	}
}

func (r *Router) auditTransition(ctx context.Context, t model.Ticket, tr *tickets.Transition) {
	if r.cfg.Audit == nil {
		return
	}
	reason := "routing " + string(tr.Decision.Action)
	if tr.Decision.Reason != "" {
		reason += ": " + tr.Decision.Reason
	}
	if err := r.cfg.Audit.LogTransition(ctx, t, tr.From, audit.ActorSystem, reason); err != nil {
		r.log.Warn("ticket audit failed", "ticket_id", t.ID, "err", err)
	}
}

// Process adapts Handle to the Queue's HandlerFunc.
func (r *Router) Process(ctx context.Context, ev transport.MessageReceived) error {
	_, err := r.Handle(ctx, ev)
	return err
}
