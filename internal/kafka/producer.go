package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"chatdesk/internal/fanout"
)

// Producer streams ticket lifecycle events to a Kafka topic (best-effort, never blocks callers).
// It implements fanout.Publisher so it can sit next to the hub in a fanout.Multi.
type Producer struct {
	writer *kafka.Writer
	topic  string
	types  map[fanout.Type]bool
	log    *slog.Logger
}

// streamed lists the event types worth keeping downstream; QR payloads are not.
var streamed = map[fanout.Type]bool{
	fanout.TypeTicketUpdated: true,
	fanout.TypeMessageIn:     true,
	fanout.TypeMessageOut:    true,
}

// NewProducer creates a producer. With no brokers or no topic every method is a no-op.
func NewProducer(brokers []string, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{topic: topic, types: streamed, log: log.With("component", "kafka")}
	if len(brokers) == 0 || topic == "" {
		return p
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Warn("kafka write failed", "messages", len(messages), "err", err)
			}
		},
	}
	return p
}

// Enabled reports whether the producer actually writes.
func (p *Producer) Enabled() bool { return p.writer != nil }

// record is the message value; keyed by ticket id so one ticket stays on one partition.
type record struct {
	Event    fanout.Type     `json:"event"`
	TicketID string          `json:"ticket_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

func (p *Producer) message(ev fanout.Event) (kafka.Message, bool, error) {
	if !p.types[ev.Type] {
		return kafka.Message{}, false, nil
	}
	body, err := json.Marshal(record{Event: ev.Type, TicketID: ev.TicketID, Payload: ev.Payload, At: ev.At})
	if err != nil {
		return kafka.Message{}, false, err
	}
	return kafka.Message{Key: []byte(ev.TicketID), Value: body, Time: ev.At}, true, nil
}

func (p *Producer) Publish(ctx context.Context, ev fanout.Event) error {
	if p.writer == nil {
		return nil
	}
	msg, ok, err := p.message(ev)
	if err != nil || !ok {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ParseBrokers splits "host1:9092,host2:9092" into a slice.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
