package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatdesk/internal/fanout"
)

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}

func TestProducer_DisabledIsNoop(t *testing.T) {
	p := NewProducer(nil, "tickets", nil)
	if p.Enabled() {
		t.Fatalf("expected disabled producer")
	}
	ev, _ := fanout.NewEvent(fanout.TypeTicketUpdated, "t1", map[string]string{}, time.Now())
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestProducer_MessageKeyedByTicket(t *testing.T) {
	p := NewProducer(nil, "tickets", nil)

	ev, _ := fanout.NewEvent(fanout.TypeMessageIn, "t1", map[string]string{"content": "Oi"}, time.Now())
	msg, ok, err := p.message(ev)
	if err != nil || !ok {
		t.Fatalf("expected message, got ok=%v err=%v", ok, err)
	}
	if string(msg.Key) != "t1" {
		t.Fatalf("expected key t1, got %q", msg.Key)
	}
	var rec record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Event != fanout.TypeMessageIn || rec.TicketID != "t1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	qr, _ := fanout.NewEvent(fanout.TypeQR, "", map[string]string{"qr": "x"}, time.Now())
	if _, ok, _ := p.message(qr); ok {
		t.Fatalf("expected qr events not to be streamed")
	}
}
