package request

import (
	"fmt"
	"math"
)

// ActionKind is the closed set of operator/admin actions on a connection
// request.
type ActionKind int

const (
	ActionApproveChoose ActionKind = iota + 1 // open the value-choice controls
	ActionApproveWith                         // approve with an explicit value
	ActionSetValue                            // supply the value while awaiting one
	ActionReject
	ActionCancel // back out of value choice
	ActionTimeout
)

func (k ActionKind) String() string {
	switch k {
	case ActionApproveChoose:
		return "approve_choose"
	case ActionApproveWith:
		return "approve_with_value"
	case ActionSetValue:
		return "set_value"
	case ActionReject:
		return "reject"
	case ActionCancel:
		return "cancel"
	case ActionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Action pairs a kind with its value (only ActionApproveWith and
// ActionSetValue carry one).
type Action struct {
	Kind  ActionKind
	Value float64
}

// Effect tells the caller how the operator message should be re-rendered
// after a transition commits. The message is a view of the state; rendering
// failures never roll the state back.
type Effect int

const (
	EffectNone         Effect = iota
	EffectShowChoice          // render value-choice controls
	EffectShowInitial         // revert to the original Approve/Reject controls
	EffectShowTerminal        // render the final outcome, no controls
)

// Outcome is a successful transition decision.
type Outcome struct {
	Next          Status
	AssignedValue *float64
	Effect        Effect
}

// allowedFrom is the prior-status set for each action. It is the contract
// behind every conditional update: a transition only wins when the stored
// status is still in this set.
var allowedFrom = map[ActionKind][]Status{
	ActionApproveChoose: {StatusPending},
	ActionApproveWith:   {StatusPending},
	ActionSetValue:      {StatusAwaitingValue},
	ActionReject:        {StatusPending, StatusAwaitingValue},
	ActionCancel:        {StatusAwaitingValue},
	ActionTimeout:       {StatusPending, StatusAwaitingValue},
}

// AllowedFrom returns the prior-status set for an action kind.
// The returned slice must not be mutated.
func AllowedFrom(k ActionKind) []Status { return allowedFrom[k] }

// ValidValue reports whether v is a finite positive number.
func ValidValue(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Transition decides the next status for a request in state cur under act.
//
// It is pure: the store applies the result through a conditional update and
// reports ErrAlreadyProcessed if the record moved in the meantime. Invalid
// values are rejected before any status check so the request stays put and
// the operator can retry.
func Transition(cur Status, act Action) (Outcome, error) {
	switch act.Kind {
	case ActionApproveWith, ActionSetValue:
		if !ValidValue(act.Value) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidValue, act.Value)
		}
	}

	from, ok := allowedFrom[act.Kind]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: action %d", ErrInvalidInput, act.Kind)
	}
	if !statusIn(cur, from) {
		// Terminal or stale: either way the action lost the race.
		return Outcome{}, ErrAlreadyProcessed
	}

	switch act.Kind {
	case ActionApproveChoose:
		return Outcome{Next: StatusAwaitingValue, Effect: EffectShowChoice}, nil
	case ActionApproveWith, ActionSetValue:
		v := act.Value
		return Outcome{Next: StatusAccepted, AssignedValue: &v, Effect: EffectShowTerminal}, nil
	case ActionReject:
		return Outcome{Next: StatusRejected, Effect: EffectShowTerminal}, nil
	case ActionCancel:
		return Outcome{Next: StatusPending, Effect: EffectShowInitial}, nil
	case ActionTimeout:
		return Outcome{Next: StatusTimedOut, Effect: EffectShowTerminal}, nil
	}
	return Outcome{}, fmt.Errorf("%w: action %d", ErrInvalidInput, act.Kind)
}

func statusIn(s Status, set []Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
