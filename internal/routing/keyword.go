package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/model"
)

// Rule maps customer keywords (menu options, exit words) to an action.
type Rule struct {
	Keywords []string
	Action   Action
	// Queue pins the destination for ActionPromote. Empty means weighted pick.
	Queue string
}

type WeightedQueue struct {
	Name string
	// Weight must be > 0.
	Weight int
}

// KeywordPolicy evaluates rules in order against text messages.
//
// Priority:
//  1. First rule whose keyword matches the message text.
//  2. Default action (ActionKeep unless set).
//
// Promotions without a pinned queue choose one of Queues by weight.
type KeywordPolicy struct {
	Rules   []Rule
	Queues  []WeightedQueue
	Default Action

	mu  sync.Mutex
	rng *rand.Rand
}

func NewKeywordPolicy(rules []Rule, queues []WeightedQueue, rng *rand.Rand) *KeywordPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &KeywordPolicy{Rules: rules, Queues: queues, Default: ActionKeep, rng: rng}
}

func (p *KeywordPolicy) Decide(ctx context.Context, in Input) (Decision, error) {
	if in.Message.Kind == model.KindText {
		text := normalize(in.Message.Content)
		for _, r := range p.Rules {
			kw, ok := matches(text, r.Keywords)
			if !ok {
				continue
			}
			return p.apply(r.Action, r.Queue, "keyword:"+kw)
		}
	}
	return p.apply(p.Default, "", "default")
}

func (p *KeywordPolicy) apply(action Action, queue, reason string) (Decision, error) {
	switch action {
	case ActionClose:
		return Decision{Action: ActionClose, Reason: reason}, nil
	case ActionPromote:
		if queue == "" {
			q, ok := p.pickQueue()
			if !ok {
				return Decision{Action: ActionKeep, Reason: "no_eligible_queue"}, nil
			}
			queue = q
		}
		return Decision{Action: ActionPromote, Queue: queue, Reason: reason}, nil
	case ActionKeep, "":
		return Decision{Action: ActionKeep, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("routing: unknown action %q", action)
	}
}

func (p *KeywordPolicy) pickQueue() (string, bool) {
	var total int
	for _, q := range p.Queues {
		if q.Weight <= 0 {
			continue
		}
		total += q.Weight
	}
	if total <= 0 {
		return "", false
	}

	p.mu.Lock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := p.rng.Intn(total) // 0..total-1
	p.mu.Unlock()

	var acc int
	for _, q := range p.Queues {
		if q.Weight <= 0 {
			continue
		}
		acc += q.Weight
		if r < acc {
			return q.Name, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// matches reports the first keyword equal to the whole text or to one of its words.
// Multi-word keywords match as a substring.
func matches(text string, keywords []string) (string, bool) {
	if text == "" {
		return "", false
	}
	words := strings.Fields(text)
	for _, kw := range keywords {
		kw = normalize(kw)
		if kw == "" {
			continue
		}
		if text == kw {
			return kw, true
		}
		if strings.Contains(kw, " ") {
			if strings.Contains(text, kw) {
				return kw, true
			}
			continue
		}
		for _, w := range words {
			if strings.Trim(w, ".,!?;:") == kw {
				return kw, true
			}
		}
	}
	return "", false
}

var ErrInvalidRules = errors.New("routing: invalid rules")

// ParseRules reads rules of the form
//
//	sair|encerrar=close;1|suporte=queue:suporte;oi=promote
//
// Rules are separated by ';', keywords by '|'.
func ParseRules(s string) ([]Rule, error) {
	var out []Rule
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lhs, rhs, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no '='", ErrInvalidRules, part)
		}
		var kws []string
		for _, kw := range strings.Split(lhs, "|") {
			if kw = strings.TrimSpace(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) == 0 {
			return nil, fmt.Errorf("%w: %q has no keywords", ErrInvalidRules, part)
		}

		r := Rule{Keywords: kws}
		rhs = strings.TrimSpace(rhs)
		switch {
		case rhs == string(ActionClose):
			r.Action = ActionClose
		case rhs == string(ActionPromote):
			r.Action = ActionPromote
		case rhs == string(ActionKeep):
			r.Action = ActionKeep
		case strings.HasPrefix(rhs, "queue:"):
			r.Action = ActionPromote
			r.Queue = strings.TrimSpace(strings.TrimPrefix(rhs, "queue:"))
			if r.Queue == "" {
				return nil, fmt.Errorf("%w: %q has an empty queue", ErrInvalidRules, part)
			}
		default:
			return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRules, rhs)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseQueues reads "suporte:3,vendas:1". A missing weight means 1.
func ParseQueues(s string) ([]WeightedQueue, error) {
	var out []WeightedQueue
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weight, hasWeight := strings.Cut(part, ":")
		q := WeightedQueue{Name: strings.TrimSpace(name), Weight: 1}
		if q.Name == "" {
			return nil, fmt.Errorf("%w: empty queue name in %q", ErrInvalidRules, part)
		}
		if hasWeight {
			w, err := strconv.Atoi(strings.TrimSpace(weight))
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("%w: queue %q weight must be a positive integer", ErrInvalidRules, q.Name)
			}
			q.Weight = w
		}
		out = append(out, q)
	}
	return out, nil
}
