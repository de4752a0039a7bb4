package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Type string

const (
	TypeQR            Type = "qr"
	TypeSessionStatus Type = "session_status"
	TypeMessageIn     Type = "message_in"
	TypeMessageOut    Type = "message_out"
	TypeTicketUpdated Type = "ticket_updated"
)

// TopicGlobal carries process-wide events; every dashboard connection receives it.
const TopicGlobal = "global"

func TicketTopic(ticketID string) string { return "ticket:" + ticketID }

// Event is one real-time notification.
type Event struct {
	Type     Type            `json:"type"`
	Topic    string          `json:"topic"`
	TicketID string          `json:"ticketId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
	// Origin identifies the publishing process so relays can drop their own echoes.
	Origin string `json:"origin,omitempty"`
}

// NewEvent builds an event and derives its topic: message events are
// ticket-scoped, everything else is global.
func NewEvent(typ Type, ticketID string, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: typ, TicketID: ticketID, Payload: body, At: at.UTC(), Topic: TopicGlobal}
	switch typ {
	case TypeMessageIn, TypeMessageOut:
		if ticketID == "" {
			return Event{}, errors.New("fanout: ticket-scoped event without ticket id")
		}
		ev.Topic = TicketTopic(ticketID)
	case TypeQR, TypeSessionStatus, TypeTicketUpdated:
	default:
		return Event{}, errors.New("fanout: unknown event type " + string(typ))
	}
	return ev, nil
}

// Publisher delivers events. Delivery is best-effort and at-most-once.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans one event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
