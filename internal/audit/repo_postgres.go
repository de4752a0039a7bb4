package audit

import (
	"context"
	"database/sql"
	"fmt"

	"chatdesk/internal/model"
)

// PostgresRepo appends to ticket_audit_events. The table has no UPDATE/DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO ticket_audit_events
  (id, ticket_id, customer_number, type, actor, ip_address, from_status, to_status, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::jsonb, $11)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.TicketID, e.CustomerNumber, string(e.Type), e.Actor, e.IPAddress,
		string(e.FromStatus), string(e.ToStatus), e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByTicket(ctx context.Context, ticketID string) ([]Event, error) {
	const q = `
SELECT id, ticket_id, customer_number, type, actor, ip_address, from_status, to_status, message,
       COALESCE(metadata::text, ''), created_at
FROM ticket_audit_events
WHERE ticket_id = $1
ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q, ticketID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ, from, to string
		if err := rows.Scan(&e.ID, &e.TicketID, &e.CustomerNumber, &typ, &e.Actor, &e.IPAddress, &from, &to, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		e.FromStatus = model.TicketStatus(from)
		e.ToStatus = model.TicketStatus(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
