package tickets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatdesk/internal/model"
	"chatdesk/internal/routing"
	"chatdesk/pkg/utils"
)

// NOTE: This store assumes the schema in internal/database/migrations:
//   - tickets, with the partial unique index ux_tickets_open_customer
//     ON tickets (customer_number) WHERE status IN ('AWAITING','IN_PROGRESS')
//   - messages, UNIQUE (ticket_id, seq) and a partial unique index on transport_message_id.
//
// Ingest serializes per customer with a transaction-scoped advisory lock, then
// locks the open ticket row FOR UPDATE. The unique index is the backstop.

const openTicketIndex = "ux_tickets_open_customer"

type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const ticketColumns = `id, customer_number, customer_name, channel, status, queue, assigned_agent, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(r rowScanner) (model.Ticket, error) {
	var t model.Ticket
	var status string
	var closed sql.NullTime
	if err := r.Scan(
		&t.ID,
		&t.CustomerNumber,
		&t.CustomerName,
		&t.Channel,
		&status,
		&t.Queue,
		&t.AssignedAgent,
		&t.CreatedAt,
		&t.UpdatedAt,
		&closed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Ticket{}, ErrNotFound
		}
		return model.Ticket{}, err
	}
	st, err := model.ParseTicketStatus(status)
	if err != nil {
		return model.Ticket{}, err
	}
	t.Status = st
	if closed.Valid {
		c := closed.Time
		t.ClosedAt = &c
	}
	return t, nil
}

const messageColumns = `id, ticket_id, seq, sender, kind, content, media, degraded, transport_message_id, delivery, read, created_at`

// mediaRow is the jsonb shape of a MediaDescriptor; unlike the API shape it keeps Path.
type mediaRow struct {
	Path             string    `json:"path"`
	URL              string    `json:"url"`
	MimeType         string    `json:"mime_type"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	SizeBytes        int64     `json:"size_bytes"`
	IngestedAt       time.Time `json:"ingested_at"`
	Recognized       bool      `json:"recognized"`
}

func encodeMedia(d *model.MediaDescriptor) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(mediaRow(*d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanMessage(r rowScanner) (model.Message, error) {
	var m model.Message
	var sender, kind, delivery string
	var media []byte
	var tmid sql.NullString
	if err := r.Scan(
		&m.ID,
		&m.TicketID,
		&m.Seq,
		&sender,
		&kind,
		&m.Content,
		&media,
		&m.Degraded,
		&tmid,
		&delivery,
		&m.Read,
		&m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, err
	}
	var err error
	if m.Sender, err = model.ParseSender(sender); err != nil {
		return model.Message{}, err
	}
	if m.Kind, err = model.ParseKind(kind); err != nil {
		return model.Message{}, err
	}
	if m.Delivery, err = model.ParseDeliveryStatus(delivery); err != nil {
		return model.Message{}, err
	}
	if len(media) > 0 {
		var mr mediaRow
		if err := json.Unmarshal(media, &mr); err != nil {
			return model.Message{}, fmt.Errorf("tickets: decode media: %w", err)
		}
		d := model.MediaDescriptor(mr)
		m.Media = &d
	}
	m.TransportMessageID = tmid.String
	return m, nil
}

func lockOpenTicket(ctx context.Context, tx *sql.Tx, customer string) (model.Ticket, error) {
	const q = `
SELECT ` + ticketColumns + `
FROM tickets
WHERE customer_number = $1 AND status IN ('AWAITING', 'IN_PROGRESS')
FOR UPDATE
`
	return scanTicket(tx.QueryRowContext(ctx, q, customer))
}

func lockTicket(ctx context.Context, tx *sql.Tx, id string) (model.Ticket, error) {
	const q = `
SELECT ` + ticketColumns + `
FROM tickets
WHERE id = $1
FOR UPDATE
`
	return scanTicket(tx.QueryRowContext(ctx, q, id))
}

func insertTicket(ctx context.Context, tx *sql.Tx, t model.Ticket) error {
	const q = `
INSERT INTO tickets (
  id, customer_number, customer_name, channel, status, queue, assigned_agent, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.CustomerNumber,
		t.CustomerName,
		t.Channel,
		string(t.Status),
		t.Queue,
		t.AssignedAgent,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, openTicketIndex) {
		return ErrOpenTicketExists
	}
	return err
}

func updateTicket(ctx context.Context, tx *sql.Tx, t model.Ticket) error {
	const q = `
UPDATE tickets
SET customer_name = $2, status = $3, queue = $4, assigned_agent = $5, updated_at = $6, closed_at = $7
WHERE id = $1
`
	var closed any
	if t.ClosedAt != nil {
		closed = *t.ClosedAt
	}
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.CustomerName,
		string(t.Status),
		t.Queue,
		t.AssignedAgent,
		t.UpdatedAt,
		closed,
	)
	if utils.IsUniqueViolation(err, openTicketIndex) {
		return ErrOpenTicketExists
	}
	return err
}

func findMessageByTransportID(ctx context.Context, tx *sql.Tx, transportID string) (model.Message, bool, error) {
	const q = `
SELECT ` + messageColumns + `
FROM messages
WHERE transport_message_id = $1
LIMIT 1
`
	m, err := scanMessage(tx.QueryRowContext(ctx, q, transportID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Message{}, false, nil
		}
		return model.Message{}, false, err
	}
	return m, true, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *model.Message) error {
	const nextSeq = `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE ticket_id = $1`
	if err := tx.QueryRowContext(ctx, nextSeq, m.TicketID).Scan(&m.Seq); err != nil {
		return err
	}

	media, err := encodeMedia(m.Media)
	if err != nil {
		return err
	}
	var tmid any
	if m.TransportMessageID != "" {
		tmid = m.TransportMessageID
	}

	const q = `
INSERT INTO messages (
  id, ticket_id, seq, sender, kind, content, media, degraded, transport_message_id, delivery, read, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10,$11,$12
)
`
	_, err = tx.ExecContext(ctx, q,
		m.ID,
		m.TicketID,
		m.Seq,
		string(m.Sender),
		string(m.Kind),
		m.Content,
		media,
		m.Degraded,
		tmid,
		string(m.Delivery),
		m.Read,
		m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Ingest(ctx context.Context, in IngestInput, policy routing.Policy) (IngestResult, error) {
	if in.CustomerNumber == "" {
		return IngestResult{}, ErrInvalidArgument
	}
	now := in.Now
	if now.IsZero() {
		now = s.clock()
	}
	now = now.UTC()

	var res IngestResult
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res = IngestResult{}

		if err := utils.AdvisoryXactLock(ctx, tx, "ticket-customer:"+in.CustomerNumber); err != nil {
			return err
		}

		if tmid := in.Message.TransportMessageID; tmid != "" {
			m, found, err := findMessageByTransportID(ctx, tx, tmid)
			if err != nil {
				return err
			}
			if found {
				t, err := lockTicket(ctx, tx, m.TicketID)
				if err != nil {
					return err
				}
				res = IngestResult{Ticket: t, Message: m, Duplicate: true}
				return nil
			}
		}

		t, err := lockOpenTicket(ctx, tx, in.CustomerNumber)
		switch {
		case errors.Is(err, ErrNotFound):
			t = model.Ticket{
				ID:             uuid.NewString(),
				CustomerNumber: in.CustomerNumber,
				CustomerName:   in.CustomerName,
				Channel:        in.Channel,
				Status:         model.TicketAwaiting,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := insertTicket(ctx, tx, t); err != nil {
				return err
			}
			res.Created = true
		case err != nil:
			return err
		}

		m := in.Message
		m.ID = uuid.NewString()
		m.TicketID = t.ID
		m.CreatedAt = now
		if err := insertMessage(ctx, tx, &m); err != nil {
			return err
		}

		if in.CustomerName != "" {
			t.CustomerName = in.CustomerName
		}
		t.UpdatedAt = now

		tr, derr := decide(ctx, policy, t, m, res.Created)
		if derr != nil {
			res.DecisionErr = derr
		}
		if tr != nil {
			if err := t.Apply(tr.To, now); err != nil {
				return err
			}
			if tr.Decision.Queue != "" {
				t.Queue = tr.Decision.Queue
			}
			res.Transition = tr
		}
		if err := updateTicket(ctx, tx, t); err != nil {
			return err
		}

		res.Ticket = t
		res.Message = m
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Ticket, error) {
	const q = `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	return scanTicket(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) OpenByCustomer(ctx context.Context, customer string) (model.Ticket, error) {
	const q = `
SELECT ` + ticketColumns + `
FROM tickets
WHERE customer_number = $1 AND status IN ('AWAITING', 'IN_PROGRESS')
`
	return scanTicket(s.db.QueryRowContext(ctx, q, customer))
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Ticket, error) {
	const q = `
SELECT ` + ticketColumns + `
FROM tickets
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR customer_number = $2)
ORDER BY updated_at DESC, id
LIMIT $3
`
	return s.queryTickets(ctx, q, string(f.Status), f.Customer, f.limit())
}

func (s *PostgresStore) StaleAwaiting(ctx context.Context, before time.Time, limit int) ([]model.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
SELECT ` + ticketColumns + `
FROM tickets
WHERE status = 'AWAITING' AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`
	return s.queryTickets(ctx, q, before.UTC(), limit)
}

func (s *PostgresStore) queryTickets(ctx context.Context, q string, args ...any) ([]model.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, u Update) (model.Ticket, model.TicketStatus, error) {
	at := u.At
	if at.IsZero() {
		at = s.clock()
	}

	var out model.Ticket
	var from model.TicketStatus
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockTicket(ctx, tx, id)
		if err != nil {
			return err
		}
		from = t.Status
		if err := u.guard(t); err != nil {
			return err
		}
		if !model.CanTransition(from, u.To) {
			return ErrInvalidTransition
		}
		if err := t.Apply(u.To, at.UTC()); err != nil {
			return err
		}
		if u.Agent != "" {
			t.AssignedAgent = u.Agent
		}
		if u.Queue != "" {
			t.Queue = u.Queue
		}
		if err := updateTicket(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return model.Ticket{}, from, err
	}
	return out, from, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m model.Message) (model.Message, error) {
	now := s.clock().UTC()
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Row lock serializes Seq assignment with concurrent ingests on this ticket.
		t, err := lockTicket(ctx, tx, m.TicketID)
		if err != nil {
			return err
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if err := insertMessage(ctx, tx, &m); err != nil {
			return err
		}
		t.UpdatedAt = now
		return updateTicket(ctx, tx, t)
	})
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) Messages(ctx context.Context, ticketID string) ([]model.Message, error) {
	if _, err := s.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	const q = `
SELECT ` + messageColumns + `
FROM messages
WHERE ticket_id = $1
ORDER BY seq
`
	rows, err := s.db.QueryContext(ctx, q, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageID string) error {
	const q = `UPDATE messages SET read = TRUE WHERE id = $1`
	return expectOne(s.db.ExecContext(ctx, q, messageID))
}

func (s *PostgresStore) SetDelivery(ctx context.Context, messageID string, status model.DeliveryStatus, transportID string) error {
	if !status.Valid() {
		return ErrInvalidArgument
	}
	const q = `
UPDATE messages
SET delivery = $2, transport_message_id = COALESCE(transport_message_id, NULLIF($3, ''))
WHERE id = $1
`
	return expectOne(s.db.ExecContext(ctx, q, messageID, string(status), transportID))
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
