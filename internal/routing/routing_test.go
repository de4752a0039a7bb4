package routing

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"chatdesk/internal/model"
)

func textInput(s string) Input {
	return Input{
		Ticket:       model.Ticket{ID: "t1", CustomerNumber: "5511999990000", Status: model.TicketAwaiting},
		Message:      model.Message{ID: "m1", Kind: model.KindText, Content: s},
		FirstMessage: true,
	}
}

func TestDecisionTarget(t *testing.T) {
	if st, ok := (Decision{Action: ActionPromote}).Target(); !ok || st != model.TicketInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s %v", st, ok)
	}
	if st, ok := (Decision{Action: ActionClose}).Target(); !ok || st != model.TicketClosed {
		t.Fatalf("expected CLOSED, got %s %v", st, ok)
	}
	if _, ok := (Decision{Action: ActionKeep}).Target(); ok {
		t.Fatalf("expected keep to have no target")
	}
}

func TestKeywordPolicy_FirstMatchingRuleWins(t *testing.T) {
	rules, err := ParseRules("sair|encerrar=close; 1|suporte=queue:suporte; 2=queue:vendas")
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	p := NewKeywordPolicy(rules, nil, rand.New(rand.NewSource(1)))

	d, err := p.Decide(context.Background(), textInput("  Quero SAIR!  "))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Action != ActionClose || d.Reason != "keyword:sair" {
		t.Fatalf("expected close by keyword, got %+v", d)
	}

	d, _ = p.Decide(context.Background(), textInput("2"))
	if d.Action != ActionPromote || d.Queue != "vendas" {
		t.Fatalf("expected promote to vendas, got %+v", d)
	}

	d, _ = p.Decide(context.Background(), textInput("Oi"))
	if d.Action != ActionKeep {
		t.Fatalf("expected keep on no match, got %+v", d)
	}
}

func TestKeywordPolicy_MediaUsesDefault(t *testing.T) {
	p := NewKeywordPolicy([]Rule{{Keywords: []string{"foto"}, Action: ActionClose}}, nil, nil)
	in := textInput("foto")
	in.Message.Kind = model.KindImage
	d, err := p.Decide(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Action != ActionKeep {
		t.Fatalf("expected media to skip keyword rules, got %+v", d)
	}
}

func TestKeywordPolicy_WeightedQueuePick(t *testing.T) {
	queues, err := ParseQueues("suporte:0,vendas:3")
	if err == nil {
		t.Fatalf("expected zero weight to be rejected")
	}
	queues, err = ParseQueues("suporte, vendas:3")
	if err != nil {
		t.Fatalf("parse queues: %v", err)
	}
	if queues[0].Weight != 1 || queues[1].Weight != 3 {
		t.Fatalf("unexpected weights: %+v", queues)
	}

	p := NewKeywordPolicy(nil, []WeightedQueue{{Name: "off", Weight: 0}, {Name: "on", Weight: 2}}, rand.New(rand.NewSource(1)))
	p.Default = ActionPromote
	for i := 0; i < 20; i++ {
		d, err := p.Decide(context.Background(), textInput("hello"))
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if d.Action != ActionPromote || d.Queue != "on" {
			t.Fatalf("expected promote to the only weighted queue, got %+v", d)
		}
	}

	empty := NewKeywordPolicy(nil, nil, nil)
	empty.Default = ActionPromote
	d, _ := empty.Decide(context.Background(), textInput("hello"))
	if d.Action != ActionKeep || d.Reason != "no_eligible_queue" {
		t.Fatalf("expected keep without queues, got %+v", d)
	}
}

func TestParseRules_Errors(t *testing.T) {
	for _, in := range []string{"oops", "=close", "a=queue:", "a=explode"} {
		if _, err := ParseRules(in); !errors.Is(err, ErrInvalidRules) {
			t.Fatalf("%q: expected ErrInvalidRules, got %v", in, err)
		}
	}
	rules, err := ParseRules("")
	if err != nil || len(rules) != 0 {
		t.Fatalf("expected empty rules, got %v %v", rules, err)
	}
}

func TestNew(t *testing.T) {
	p, err := New("promote", nil, []WeightedQueue{{Name: "geral", Weight: 1}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	d, _ := p.Decide(context.Background(), textInput("x"))
	if d.Action != ActionPromote || d.Queue != "geral" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	var unknown *UnknownPolicyError
	if _, err := New("magic", nil, nil); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPolicyError, got %v", err)
	}
}
