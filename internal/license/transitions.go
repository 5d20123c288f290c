package license

import (
	"fmt"
	"time"
)

// ActionKind is the closed set of license transitions.
type ActionKind int

const (
	ActionMarkPaid ActionKind = iota + 1
	ActionApprove
	ActionReject
	ActionExpire
)

func (k ActionKind) String() string {
	switch k {
	case ActionMarkPaid:
		return "mark_paid"
	case ActionApprove:
		return "approve"
	case ActionReject:
		return "reject"
	case ActionExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Outcome is a successful transition decision.
type Outcome struct {
	Next        Status
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
}

// allowedFrom is the prior-status set per action, the conditional-update
// predicate for each transition.
var allowedFrom = map[ActionKind][]Status{
	ActionMarkPaid: {StatusPendingPayment},
	ActionApprove:  {StatusAwaitingApproval},
	ActionReject:   {StatusPendingPayment, StatusAwaitingApproval},
	ActionExpire:   {StatusActive},
}

// AllowedFrom returns the prior-status set for an action kind.
// The returned slice must not be mutated.
func AllowedFrom(k ActionKind) []Status { return allowedFrom[k] }

// Transition decides the next status for a license request in state cur.
// ActionApprove computes the activation window from the plan duration at
// the given time.
func Transition(cur Status, plan Plan, k ActionKind, now time.Time) (Outcome, error) {
	from, ok := allowedFrom[k]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: action %d", ErrInvalidInput, k)
	}
	if !statusIn(cur, from) {
		return Outcome{}, ErrAlreadyProcessed
	}

	switch k {
	case ActionMarkPaid:
		return Outcome{Next: StatusAwaitingApproval}, nil
	case ActionApprove:
		spec, ok := plan.Spec()
		if !ok {
			return Outcome{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, plan)
		}
		activated := now
		expires := now.Add(spec.Duration)
		return Outcome{Next: StatusActive, ActivatedAt: &activated, ExpiresAt: &expires}, nil
	case ActionReject:
		return Outcome{Next: StatusRejected}, nil
	case ActionExpire:
		return Outcome{Next: StatusExpired}, nil
	}
	return Outcome{}, fmt.Errorf("%w: action %d", ErrInvalidInput, k)
}

func statusIn(s Status, set []Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
