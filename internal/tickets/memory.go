package tickets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatdesk/internal/model"
	"chatdesk/internal/routing"
)

// MemoryStore is an in-process Store. Ingest serializes per customer number
// with one mutex per key; the data itself sits behind a single lock, held
// across the routing decision so readers never see a half-applied ingest.
type MemoryStore struct {
	// Now is injectable for deterministic tests.
	Now func() time.Time

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	mu          sync.Mutex
	tickets     map[string]*model.Ticket
	openByCust  map[string]string
	messages    map[string]*model.Message
	byTicket    map[string][]string
	byTransport map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:         time.Now,
		keys:        map[string]*sync.Mutex{},
		tickets:     map[string]*model.Ticket{},
		openByCust:  map[string]string{},
		messages:    map[string]*model.Message{},
		byTicket:    map[string][]string{},
		byTransport: map[string]string{},
	}
}

func (s *MemoryStore) keyLock(customer string) *sync.Mutex {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	l, ok := s.keys[customer]
	if !ok {
		l = &sync.Mutex{}
		s.keys[customer] = l
	}
	return l
}

func (s *MemoryStore) Ingest(ctx context.Context, in IngestInput, policy routing.Policy) (IngestResult, error) {
	if in.CustomerNumber == "" {
		return IngestResult{}, ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = s.Now()
	}
	now = now.UTC()

	kl := s.keyLock(in.CustomerNumber)
	kl.Lock()
	defer kl.Unlock()

	s.mu.Lock()
	if tmid := in.Message.TransportMessageID; tmid != "" {
		if id, ok := s.byTransport[tmid]; ok {
			m := *s.messages[id]
			t := *s.tickets[m.TicketID]
			s.mu.Unlock()
			return IngestResult{Ticket: t, Message: m, Duplicate: true}, nil
		}
	}

	var res IngestResult
	t, ok := s.openTicketLocked(in.CustomerNumber)
	if !ok {
		t = &model.Ticket{
			ID:             uuid.NewString(),
			CustomerNumber: in.CustomerNumber,
			CustomerName:   in.CustomerName,
			Channel:        in.Channel,
			Status:         model.TicketAwaiting,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.tickets[t.ID] = t
		s.openByCust[in.CustomerNumber] = t.ID
		res.Created = true
	}
	if in.CustomerName != "" {
		t.CustomerName = in.CustomerName
	}
	t.UpdatedAt = now

	m := in.Message
	m.ID = uuid.NewString()
	m.TicketID = t.ID
	m.CreatedAt = now
	m.Seq = int64(len(s.byTicket[t.ID]) + 1)
	s.storeMessageLocked(&m)

	// The routing decision commits together with the message.
	tr, err := decide(ctx, policy, *t, m, res.Created)
	if err != nil {
		res.DecisionErr = err
	}
	if tr != nil {
		_ = t.Apply(tr.To, now)
		if tr.Decision.Queue != "" {
			t.Queue = tr.Decision.Queue
		}
		if t.Status.IsTerminal() {
			delete(s.openByCust, t.CustomerNumber)
		}
		res.Transition = tr
	}
	snapshot := *t
	s.mu.Unlock()

	res.Ticket = snapshot
	res.Message = m
	return res, nil
}

func (s *MemoryStore) openTicketLocked(customer string) (*model.Ticket, bool) {
	id, ok := s.openByCust[customer]
	if !ok {
		return nil, false
	}
	t := s.tickets[id]
	if t == nil || !t.Status.IsOpen() {
		delete(s.openByCust, customer)
		return nil, false
	}
	return t, true
}

func (s *MemoryStore) storeMessageLocked(m *model.Message) {
	cp := *m
	s.messages[cp.ID] = &cp
	s.byTicket[cp.TicketID] = append(s.byTicket[cp.TicketID], cp.ID)
	if cp.TransportMessageID != "" {
		s.byTransport[cp.TransportMessageID] = cp.ID
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return model.Ticket{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) OpenByCustomer(ctx context.Context, customer string) (model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.openTicketLocked(customer)
	if !ok {
		return model.Ticket{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]model.Ticket, error) {
	s.mu.Lock()
	out := make([]model.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Customer != "" && t.CustomerNumber != f.Customer {
			continue
		}
		out = append(out, *t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) StaleAwaiting(ctx context.Context, before time.Time, limit int) ([]model.Ticket, error) {
	s.mu.Lock()
	var out []model.Ticket
	for _, t := range s.tickets {
		if t.Status == model.TicketAwaiting && t.UpdatedAt.Before(before) {
			out = append(out, *t)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, u Update) (model.Ticket, model.TicketStatus, error) {
	at := u.At
	if at.IsZero() {
		at = s.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return model.Ticket{}, "", ErrNotFound
	}
	from := t.Status
	if err := u.guard(*t); err != nil {
		return model.Ticket{}, from, err
	}
	if !model.CanTransition(from, u.To) {
		return model.Ticket{}, from, ErrInvalidTransition
	}
	_ = t.Apply(u.To, at.UTC())
	if u.Agent != "" {
		t.AssignedAgent = u.Agent
	}
	if u.Queue != "" {
		t.Queue = u.Queue
	}
	if t.Status.IsTerminal() && s.openByCust[t.CustomerNumber] == t.ID {
		delete(s.openByCust, t.CustomerNumber)
	}
	return *t, from, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[m.TicketID]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	now := s.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Seq = int64(len(s.byTicket[t.ID]) + 1)
	s.storeMessageLocked(&m)
	t.UpdatedAt = now
	return m, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) Messages(ctx context.Context, ticketID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, ErrNotFound
	}
	ids := s.byTicket[ticketID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Read = true
	return nil
}

func (s *MemoryStore) SetDelivery(ctx context.Context, messageID string, status model.DeliveryStatus, transportID string) error {
	if !status.Valid() {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Delivery = status
	if transportID != "" && m.TransportMessageID == "" {
		m.TransportMessageID = transportID
		s.byTransport[transportID] = m.ID
	}
	return nil
}
