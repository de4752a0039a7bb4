package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatdesk/internal/audit"
	"chatdesk/internal/model"
	"chatdesk/internal/routing"
	"chatdesk/internal/tickets"
)

type stubCloser struct {
	calls int
	idle  time.Duration
	limit int
	n     int
	err   error
}

func (s *stubCloser) CloseStale(ctx context.Context, idle time.Duration, limit int) (int, error) {
	s.calls++
	s.idle = idle
	s.limit = limit
	return s.n, s.err
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(&stubCloser{}, SweepOptions{Schedule: "every now and then"}, nil); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestRunOnce_PassesOptions(t *testing.T) {
	c := &stubCloser{n: 3}
	s, err := NewSweeper(c, SweepOptions{Schedule: "*/5 * * * *", IdleAfter: time.Hour, BatchSize: 10}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := s.RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 closed, got %d err=%v", n, err)
	}
	if c.idle != time.Hour || c.limit != 10 {
		t.Fatalf("expected idle=1h limit=10, got %s/%d", c.idle, c.limit)
	}
}

func TestRunOnce_DisabledWithoutIdle(t *testing.T) {
	c := &stubCloser{}
	s, _ := NewSweeper(c, SweepOptions{}, nil)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.calls != 0 {
		t.Fatalf("expected no sweep without IdleAfter, got %d calls", c.calls)
	}
}

func TestRunOnce_SurfacesError(t *testing.T) {
	boom := errors.New("db down")
	s, _ := NewSweeper(&stubCloser{err: boom}, SweepOptions{IdleAfter: time.Minute}, nil)
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestRunOnce_ClosesOnlyIdleAwaitingTickets(t *testing.T) {
	store := tickets.NewMemoryStore()
	auditRepo := audit.NewMemoryRepo()
	svc := tickets.NewService(store, audit.NewService(auditRepo), nil, nil)
	ctx := context.Background()

	old, err := store.Ingest(ctx, tickets.IngestInput{
		CustomerNumber: "5511000000001",
		Message:        model.Message{Sender: model.SenderCustomer, Kind: model.KindText, Content: "oi"},
		Now:            time.Now().Add(-3 * time.Hour),
	}, routing.Keep)
	if err != nil {
		t.Fatalf("ingest old: %v", err)
	}
	fresh, err := store.Ingest(ctx, tickets.IngestInput{
		CustomerNumber: "5511000000002",
		Message:        model.Message{Sender: model.SenderCustomer, Kind: model.KindText, Content: "oi"},
	}, routing.Keep)
	if err != nil {
		t.Fatalf("ingest fresh: %v", err)
	}

	s, _ := NewSweeper(svc, SweepOptions{IdleAfter: time.Hour}, nil)
	n, err := s.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one ticket closed, got %d err=%v", n, err)
	}

	got, _ := store.Get(ctx, old.Ticket.ID)
	if got.Status != model.TicketClosed {
		t.Fatalf("expected stale ticket CLOSED, got %s", got.Status)
	}
	got, _ = store.Get(ctx, fresh.Ticket.ID)
	if got.Status != model.TicketAwaiting {
		t.Fatalf("expected fresh ticket AWAITING, got %s", got.Status)
	}
	events := auditRepo.Events()
	if len(events) != 1 || events[0].Actor != audit.ActorSystem {
		t.Fatalf("expected one system audit event, got %+v", events)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := NewSweeper(&stubCloser{}, SweepOptions{}, nil)
	s.Start()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
