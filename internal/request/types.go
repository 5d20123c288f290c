// Package request implements the connection-request half of the approval
// engine: the record type, the pure transition rules, and the stores that
// apply them through conditional updates.
package request

import (
	"time"

	"tollgate/internal/channel"
)

// Status is the connection-request lifecycle state.
type Status string

// All lifecycle states. accepted, rejected and timed_out are terminal.
const (
	StatusPending       Status = "pending"
	StatusAwaitingValue Status = "awaiting_value"
	StatusAccepted      Status = "accepted"
	StatusRejected      Status = "rejected"
	StatusTimedOut      Status = "timed_out"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}

// Request is one document-upload approval request.
//
// Invariants:
//   - AssignedValue is non-nil iff Status == accepted.
//   - MessageRef is set at most once and never cleared.
type Request struct {
	ID            string
	SubjectName   string
	Status        Status
	AssignedValue *float64
	OriginIP      string
	MessageRef    *channel.MessageRef
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
