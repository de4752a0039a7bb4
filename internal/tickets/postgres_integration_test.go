package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"chatdesk/internal/database"
	"chatdesk/internal/model"
	"chatdesk/internal/routing"
	"chatdesk/pkg/utils"
)

// openTestPostgres connects to CHATDESK_TEST_POSTGRES_DSN and migrates it.
// Tests using it are skipped when the variable is unset.
func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CHATDESK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATDESK_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.MigrateUp(ctx, db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// testCustomer returns a number no other run has used.
func testCustomer() string {
	return fmt.Sprintf("55%011d", time.Now().UnixNano()%100_000_000_000)
}

func TestPostgresStore_SecondMessageReusesOpenTicket(t *testing.T) {
	s := NewPostgresStore(openTestPostgres(t))
	ctx := context.Background()
	customer := testCustomer()

	first, err := s.Ingest(ctx, inbound(customer, "Oi", "pg-"+customer+"-1"), routing.Keep)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !first.Created || first.Ticket.Status != model.TicketAwaiting {
		t.Fatalf("expected new AWAITING ticket, got %+v", first)
	}

	second, err := s.Ingest(ctx, inbound(customer, "Tudo bem?", "pg-"+customer+"-2"), routing.Keep)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Created || second.Ticket.ID != first.Ticket.ID {
		t.Fatalf("expected reuse of ticket %s, got %+v", first.Ticket.ID, second)
	}

	dup, err := s.Ingest(ctx, inbound(customer, "Tudo bem?", "pg-"+customer+"-2"), routing.Keep)
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if !dup.Duplicate || dup.Message.ID != second.Message.ID {
		t.Fatalf("expected duplicate of second message, got %+v", dup)
	}

	msgs, err := s.Messages(ctx, first.Ticket.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("expected seq 1,2, got %+v", msgs)
	}
}

func TestPostgresStore_ConcurrentIngestKeepsOneOpenTicket(t *testing.T) {
	s := NewPostgresStore(openTestPostgres(t))
	ctx := context.Background()
	customer := testCustomer()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Ingest(ctx, inbound(customer, fmt.Sprintf("msg %d", i), ""), routing.Keep)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if open := countOpen(t, s, customer); open != 1 {
		t.Fatalf("expected 1 open ticket, got %d", open)
	}
	tk, err := s.OpenByCustomer(ctx, customer)
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	msgs, _ := s.Messages(ctx, tk.ID)
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
}

func TestPostgresStore_GuardedTransitionSkipsTouchedTicket(t *testing.T) {
	s := NewPostgresStore(openTestPostgres(t))
	ctx := context.Background()
	customer := testCustomer()
	now := time.Now().UTC()

	in := inbound(customer, "Oi", "")
	in.Now = now
	res, err := s.Ingest(ctx, in, routing.Keep)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	_, _, err = s.Transition(ctx, res.Ticket.ID, Update{
		To:        model.TicketClosed,
		From:      model.TicketAwaiting,
		IdleSince: now.Add(-time.Hour),
	})
	if !errors.Is(err, ErrTicketActive) {
		t.Fatalf("expected ErrTicketActive, got %v", err)
	}
	tk, _ := s.Get(ctx, res.Ticket.ID)
	if tk.Status != model.TicketAwaiting {
		t.Fatalf("expected AWAITING, got %s", tk.Status)
	}
}
