package tickets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatdesk/internal/model"
	"chatdesk/internal/routing"
)

func inbound(customer, text, tmid string) IngestInput {
	return IngestInput{
		CustomerNumber: customer,
		Channel:        "whatsapp",
		Message: model.Message{
			Sender:             model.SenderCustomer,
			Kind:               model.KindText,
			Content:            text,
			TransportMessageID: tmid,
			Delivery:           model.DeliveryReceived,
		},
	}
}

func countOpen(t *testing.T, s Store, customer string) int {
	t.Helper()
	list, err := s.List(context.Background(), Filter{Customer: customer, Limit: 500})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	n := 0
	for _, tk := range list {
		if tk.Status.IsOpen() {
			n++
		}
	}
	return n
}

func TestMemoryStore_IngestCreatesAwaitingTicket(t *testing.T) {
	s := NewMemoryStore()
	res, err := s.Ingest(context.Background(), inbound("5511999990000", "Oi", "w1"), routing.Keep)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected ticket to be created")
	}
	if res.Ticket.Status != model.TicketAwaiting {
		t.Fatalf("expected AWAITING, got %s", res.Ticket.Status)
	}
	if res.Message.Seq != 1 || res.Message.TicketID != res.Ticket.ID {
		t.Fatalf("unexpected message: %+v", res.Message)
	}

	again, err := s.Ingest(context.Background(), inbound("5511999990000", "Tudo bem?", "w2"), routing.Keep)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.Created || again.Ticket.ID != res.Ticket.ID {
		t.Fatalf("expected second message on the same ticket")
	}
	if again.Message.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", again.Message.Seq)
	}
}

func TestMemoryStore_ConcurrentIngestKeepsOneOpenTicket(t *testing.T) {
	s := NewMemoryStore()
	const n = 50
	var wg sync.WaitGroup
	created := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Ingest(context.Background(), inbound("5511999990000", fmt.Sprintf("m%d", i), fmt.Sprintf("w%d", i)), routing.Keep)
			if err != nil {
				t.Errorf("ingest %d: %v", i, err)
				return
			}
			created <- res.Created
		}(i)
	}
	wg.Wait()
	close(created)

	creates := 0
	for c := range created {
		if c {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected exactly one creation, got %d", creates)
	}
	if open := countOpen(t, s, "5511999990000"); open != 1 {
		t.Fatalf("expected 1 open ticket, got %d", open)
	}

	tk, _ := s.OpenByCustomer(context.Background(), "5511999990000")
	msgs, _ := s.Messages(context.Background(), tk.ID)
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("expected contiguous seq, got %d at %d", m.Seq, i)
		}
	}
}

func TestMemoryStore_DuplicateTransportIDIsSkipped(t *testing.T) {
	s := NewMemoryStore()
	first, _ := s.Ingest(context.Background(), inbound("1", "a", "dup"), routing.Keep)
	res, err := s.Ingest(context.Background(), inbound("1", "a", "dup"), routing.Keep)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Duplicate || res.Message.ID != first.Message.ID {
		t.Fatalf("expected duplicate of first message, got %+v", res)
	}
	msgs, _ := s.Messages(context.Background(), first.Ticket.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
}

func TestMemoryStore_PolicyTransitionAppliedInIngest(t *testing.T) {
	s := NewMemoryStore()
	res, err := s.Ingest(context.Background(), inbound("1", "Oi", ""), routing.AlwaysPromote{Queue: "suporte"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Ticket.Status != model.TicketInProgress || res.Ticket.Queue != "suporte" {
		t.Fatalf("expected IN_PROGRESS in suporte, got %+v", res.Ticket)
	}
	if res.Transition == nil || res.Transition.From != model.TicketAwaiting {
		t.Fatalf("expected transition to be reported, got %+v", res.Transition)
	}

	// IN_PROGRESS tickets are not re-evaluated.
	next, _ := s.Ingest(context.Background(), inbound("1", "sair", ""), routing.PolicyFunc(func(ctx context.Context, in routing.Input) (routing.Decision, error) {
		t.Fatalf("policy must not run for IN_PROGRESS tickets")
		return routing.Decision{}, nil
	}))
	if next.Transition != nil {
		t.Fatalf("expected no transition")
	}
}

func TestMemoryStore_PolicyErrorKeepsTicket(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")
	res, err := s.Ingest(context.Background(), inbound("1", "Oi", ""), routing.PolicyFunc(func(ctx context.Context, in routing.Input) (routing.Decision, error) {
		return routing.Decision{}, boom
	}))
	if err != nil {
		t.Fatalf("policy errors must not fail ingest, got %v", err)
	}
	if !errors.Is(res.DecisionErr, boom) || res.Ticket.Status != model.TicketAwaiting {
		t.Fatalf("expected AWAITING with decision error, got %+v", res)
	}
}

func TestMemoryStore_FirstMessageFlag(t *testing.T) {
	s := NewMemoryStore()
	var flags []bool
	p := routing.PolicyFunc(func(ctx context.Context, in routing.Input) (routing.Decision, error) {
		flags = append(flags, in.FirstMessage)
		return routing.Decision{Action: routing.ActionKeep}, nil
	})
	_, _ = s.Ingest(context.Background(), inbound("1", "a", ""), p)
	_, _ = s.Ingest(context.Background(), inbound("1", "b", ""), p)
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("expected policy to run on every AWAITING message with first flag, got %v", flags)
	}
}

func TestMemoryStore_TerminalTicketIsNeverReopened(t *testing.T) {
	s := NewMemoryStore()
	first, _ := s.Ingest(context.Background(), inbound("1", "a", ""), routing.Keep)
	if _, _, err := s.Transition(context.Background(), first.Ticket.ID, Update{To: model.TicketClosed}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := s.Transition(context.Background(), first.Ticket.ID, Update{To: model.TicketInProgress}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	next, _ := s.Ingest(context.Background(), inbound("1", "b", ""), routing.Keep)
	if !next.Created || next.Ticket.ID == first.Ticket.ID {
		t.Fatalf("expected a brand-new ticket after close")
	}
	closed, _ := s.Get(context.Background(), first.Ticket.ID)
	if closed.Status != model.TicketClosed || closed.ClosedAt == nil {
		t.Fatalf("expected closed ticket to stay closed, got %+v", closed)
	}
}

func TestMemoryStore_DeliveryAndRead(t *testing.T) {
	s := NewMemoryStore()
	res, _ := s.Ingest(context.Background(), inbound("1", "a", ""), routing.Keep)
	out, err := s.AppendMessage(context.Background(), model.Message{
		TicketID: res.Ticket.ID,
		Sender:   model.SenderAgent,
		Kind:     model.KindText,
		Content:  "hello",
		Delivery: model.DeliveryPending,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if out.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", out.Seq)
	}
	if err := s.SetDelivery(context.Background(), out.ID, model.DeliverySent, "wa-1"); err != nil {
		t.Fatalf("set delivery: %v", err)
	}
	if err := s.MarkRead(context.Background(), res.Message.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, _ := s.GetMessage(context.Background(), out.ID)
	if got.Delivery != model.DeliverySent || got.TransportMessageID != "wa-1" {
		t.Fatalf("unexpected message: %+v", got)
	}
	in, _ := s.GetMessage(context.Background(), res.Message.ID)
	if !in.Read {
		t.Fatalf("expected read flag")
	}
	if err := s.MarkRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AppendMessage(context.Background(), model.Message{TicketID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_StaleAwaiting(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	old := inbound("1", "a", "")
	old.Now = base
	_, _ = s.Ingest(context.Background(), old, routing.Keep)
	fresh := inbound("2", "b", "")
	fresh.Now = base.Add(time.Hour)
	_, _ = s.Ingest(context.Background(), fresh, routing.Keep)

	stale, err := s.StaleAwaiting(context.Background(), base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(stale) != 1 || stale[0].CustomerNumber != "1" {
		t.Fatalf("expected only customer 1, got %+v", stale)
	}
}

func TestMemoryStore_ReadersNeverSeeMessageBeforeDecision(t *testing.T) {
	s := NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	policy := routing.PolicyFunc(func(ctx context.Context, in routing.Input) (routing.Decision, error) {
		close(entered)
		<-release
		return routing.AlwaysPromote{Queue: "suporte"}.Decide(ctx, in)
	})

	done := make(chan IngestResult)
	go func() {
		res, _ := s.Ingest(context.Background(), inbound("1", "Oi", ""), policy)
		done <- res
	}()

	<-entered
	seen := make(chan []model.Ticket)
	go func() {
		list, _ := s.List(context.Background(), Filter{Customer: "1"})
		seen <- list
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-done
	list := <-seen
	if len(list) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(list))
	}
	if list[0].Status != model.TicketInProgress {
		t.Fatalf("expected reader to see IN_PROGRESS, got %s", list[0].Status)
	}
	if res.Transition == nil {
		t.Fatalf("expected transition to be reported")
	}
}
