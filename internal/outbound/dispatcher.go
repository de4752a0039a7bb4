package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"chatdesk/internal/model"
	"chatdesk/internal/transport"
)

// Sender is the outbound half of the session; only the session manager implements it.
type Sender interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, m transport.OutboundMedia) (string, error)
}

// Recorder persists outbound messages and their delivery status.
type Recorder interface {
	OpenByCustomer(ctx context.Context, customer string) (model.Ticket, error)
	AppendMessage(ctx context.Context, m model.Message) (model.Message, error)
	SetDelivery(ctx context.Context, messageID string, status model.DeliveryStatus, transportID string) error
}

type Notifier interface {
	MessageOut(ctx context.Context, m model.Message)
}

// SendError is a send that failed after all attempts.
type SendError struct {
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("outbound: send failed after %d attempt(s): %v", e.Attempts, e.Err)
}
func (e *SendError) Unwrap() error { return e.Err }

type Request struct {
	To string
	// TicketID attaches the record to a ticket. When empty, the customer's open ticket is used if any.
	TicketID string
	Sender   model.Sender
	Text     string
	Media    *transport.OutboundMedia
	// Descriptor is the stored file behind Media, when it came from the media root.
	Descriptor *model.MediaDescriptor
}

type Result struct {
	// Message is nil when there was no ticket to record the send on.
	Message     *model.Message
	TransportID string
	Delivered   bool
}

type Options struct {
	Retry          RetryPolicy
	AttemptTimeout time.Duration
	// Concurrency caps background sends (welcome messages).
	Concurrency    int64
	WelcomeMessage string
}

// Dispatcher sends outbound messages with a per-attempt timeout and a bounded retry,
// recording PENDING then SENT or FAILED on the message.
type Dispatcher struct {
	sender Sender
	rec    Recorder
	notify Notifier
	opts   Options
	log    *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewDispatcher(sender Sender, rec Recorder, notify Notifier, opts Options, log *slog.Logger) *Dispatcher {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sender: sender,
		rec:    rec,
		notify: notify,
		opts:   opts,
		log:    log.With("component", "outbound"),
		sem:    semaphore.NewWeighted(opts.Concurrency),
	}
}

func kindFor(req Request) model.Kind {
	if req.Media == nil {
		return model.KindText
	}
	switch req.Media.Kind {
	case transport.MediaImage:
		return model.KindImage
	case transport.MediaAudio:
		return model.KindAudio
	case transport.MediaVideo:
		return model.KindVideo
	case transport.MediaDocument:
		return model.KindDocument
	default:
		return model.KindDocument
	}
}

// Send delivers req synchronously. A failed send still leaves a FAILED record behind.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	to := transport.NormalizeNumber(req.To)
	if to == "" {
		return Result{}, &SendError{Err: errors.New("recipient required")}
	}
	if req.Media == nil && req.Text == "" {
		return Result{}, &SendError{Err: errors.New("text required")}
	}
	if req.Sender == "" {
		req.Sender = model.SenderAgent
	}

	var res Result
	if d.rec != nil {
		if req.TicketID == "" {
			if t, err := d.rec.OpenByCustomer(ctx, to); err == nil {
				req.TicketID = t.ID
			}
		}
		if req.TicketID != "" {
			m, err := d.rec.AppendMessage(ctx, model.Message{
				TicketID: req.TicketID,
				Sender:   req.Sender,
				Kind:     kindFor(req),
				Content:  req.Text,
				Media:    req.Descriptor,
				Delivery: model.DeliveryPending,
			})
			if err != nil {
				return Result{}, fmt.Errorf("outbound: record message: %w", err)
			}
			res.Message = &m
		}
	}

	var transportID string
	attempts, err := d.opts.Retry.Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()

		var err error
		if req.Media != nil {
			transportID, err = d.sender.SendMedia(attemptCtx, to, *req.Media)
		} else {
			transportID, err = d.sender.SendText(attemptCtx, to, req.Text)
		}
		return err
	})

	status := model.DeliverySent
	if err != nil {
		status = model.DeliveryFailed
		d.log.Warn("outbound send failed", "to", to, "ticket_id", req.TicketID, "attempts", attempts, "err", err)
	}
	if res.Message != nil {
		// The send already happened; record the outcome even if the caller went away.
		recCtx := context.WithoutCancel(ctx)
		if uerr := d.rec.SetDelivery(recCtx, res.Message.ID, status, transportID); uerr != nil {
			d.log.Error("outbound delivery update failed", "message_id", res.Message.ID, "err", uerr)
		}
		res.Message.Delivery = status
		res.Message.TransportMessageID = transportID
		if d.notify != nil {
			d.notify.MessageOut(recCtx, *res.Message)
		}
	}

	if err != nil {
		return res, &SendError{Attempts: attempts, Err: err}
	}
	res.TransportID = transportID
	res.Delivered = true
	return res, nil
}

// EnqueueWelcome sends the configured welcome message for a newly opened ticket
// in the background. It never blocks the inbound pipeline and its failure only
// marks the welcome record FAILED.
func (d *Dispatcher) EnqueueWelcome(ctx context.Context, t model.Ticket) {
	if d.opts.WelcomeMessage == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		_, err := d.Send(ctx, Request{
			To:       t.CustomerNumber,
			TicketID: t.ID,
			Sender:   model.SenderSystem,
			Text:     d.opts.WelcomeMessage,
		})
		if err != nil {
			d.log.Warn("welcome message not delivered", "ticket_id", t.ID, "err", err)
		}
	}()
}

// Wait blocks until background sends finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
