package audit

import (
	"context"
	"testing"
	"time"

	"chatdesk/internal/model"
)

func TestService_AppendRequiresTicketAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeTicketCreated}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{TicketID: "t"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogTransitionCapturesActorAndIP(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }

	ctx := WithClientIP(context.Background(), "1.2.3.4")
	tk := model.Ticket{ID: "t1", CustomerNumber: "5511999990000", Status: model.TicketInProgress}
	if err := svc.LogTransition(ctx, tk, model.TicketAwaiting, "agent-7", "assigned"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured, got %q", e.IPAddress)
	}
	if e.Type != EventTypeAgentAction {
		t.Fatalf("expected agent_action, got %s", e.Type)
	}
	if e.FromStatus != model.TicketAwaiting || e.ToStatus != model.TicketInProgress {
		t.Fatalf("unexpected statuses: %s -> %s", e.FromStatus, e.ToStatus)
	}
	if e.ID == "" || !e.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("expected id and created_at defaults, got %+v", e)
	}
}

func TestService_SystemTransitionAndHistory(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	tk := model.Ticket{ID: "t1", Status: model.TicketAwaiting}
	_ = svc.LogCreated(ctx, tk)
	tk.Status = model.TicketClosed
	_ = svc.LogTransition(ctx, tk, model.TicketAwaiting, "", "auto_close")
	_ = svc.LogCreated(ctx, model.Ticket{ID: "t2", Status: model.TicketAwaiting})

	hist, err := svc.History(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(hist))
	}
	if hist[1].Type != EventTypeTicketTransition || hist[1].Actor != ActorSystem {
		t.Fatalf("expected system transition, got %+v", hist[1])
	}
}
