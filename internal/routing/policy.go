package routing

import (
	"context"

	"chatdesk/internal/model"
)

// Policy decides what happens to a ticket that is still AWAITING after a new
// customer message was persisted.
//
// Rules:
//   - Decide is called inside the ticket store's unit of work, so it must not
//     call the store back and should not do slow I/O.
//   - Returning an error is treated by callers as ActionKeep.
type Policy interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Input is everything a policy may look at.
type Input struct {
	Ticket  model.Ticket
	Message model.Message
	// FirstMessage is true when Message opened Ticket.
	FirstMessage bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, in Input) (Decision, error)

func (f PolicyFunc) Decide(ctx context.Context, in Input) (Decision, error) { return f(ctx, in) }

// Keep leaves every ticket AWAITING until an agent picks it up.
var Keep Policy = PolicyFunc(func(ctx context.Context, in Input) (Decision, error) {
	return Decision{Action: ActionKeep}, nil
})

// AlwaysPromote hands every AWAITING ticket to Queue on the first evaluation.
type AlwaysPromote struct {
	Queue string
}

func (p AlwaysPromote) Decide(ctx context.Context, in Input) (Decision, error) {
	return Decision{Action: ActionPromote, Queue: p.Queue, Reason: "always_promote"}, nil
}

// New resolves a configured policy name.
func New(name string, rules []Rule, queues []WeightedQueue) (Policy, error) {
	switch name {
	case "", "keep":
		return Keep, nil
	case "promote":
		q := ""
		if len(queues) > 0 {
			q = queues[0].Name
		}
		return AlwaysPromote{Queue: q}, nil
	case "keyword":
		return NewKeywordPolicy(rules, queues, nil), nil
	default:
		return nil, &UnknownPolicyError{Name: name}
	}
}

type UnknownPolicyError struct {
	Name string
}

func (e *UnknownPolicyError) Error() string { return "routing: unknown policy " + e.Name }
