package routing

import "chatdesk/internal/model"

// Decision is the output of a routing policy for an AWAITING ticket.
//
// It carries only what the ticket store needs to apply the transition.
type Decision struct {
	Action Action `json:"action"`
	Queue  string `json:"queue,omitempty"`

	// Reason is optional and intended for internal logs and audit.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionKeep    Action = "keep"
	ActionPromote Action = "promote"
	ActionClose   Action = "close"
)

func (a Action) Valid() bool {
	switch a {
	case ActionKeep, ActionPromote, ActionClose:
		return true
	default:
		return false
	}
}

// Target returns the status the decision moves an AWAITING ticket to.
// ok is false for ActionKeep (and anything unknown).
func (d Decision) Target() (model.TicketStatus, bool) {
	switch d.Action {
	case ActionPromote:
		return model.TicketInProgress, true
	case ActionClose:
		return model.TicketClosed, true
	case ActionKeep:
		return "", false
	default:
		return "", false
	}
}
