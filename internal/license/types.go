// Package license implements the paid-license half of the approval engine:
// plans, the request lifecycle, lazy expiry, and the stores behind it.
package license

import (
	"strings"
	"time"

	"tollgate/internal/channel"
)

// Status is the license-request lifecycle state.
type Status string

// All lifecycle states. expired and rejected are terminal; active only
// leaves through expiry.
const (
	StatusPendingPayment   Status = "pending_payment"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusActive           Status = "active"
	StatusExpired          Status = "expired"
	StatusRejected         Status = "rejected"
)

// openStatuses is the "at most one per owner" set: a second request for the
// same owner is refused while one of these exists.
var openStatuses = []Status{StatusPendingPayment, StatusAwaitingApproval}

// Plan is a purchasable license tier.
type Plan string

// All plans.
const (
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
	PlanMax   Plan = "max"
)

// PlanSpec is the fixed price/limit contract of a plan.
type PlanSpec struct {
	Price     float64
	Asset     string
	SendLimit int64
	Duration  time.Duration
}

var plans = map[Plan]PlanSpec{
	PlanBasic: {Price: 25, Asset: "USDT", SendLimit: 1_000, Duration: 30 * 24 * time.Hour},
	PlanPro:   {Price: 75, Asset: "USDT", SendLimit: 5_000, Duration: 30 * 24 * time.Hour},
	PlanMax:   {Price: 200, Asset: "USDT", SendLimit: 25_000, Duration: 30 * 24 * time.Hour},
}

// Spec returns the plan contract, false for unknown plans.
func (p Plan) Spec() (PlanSpec, bool) {
	s, ok := plans[p]
	return s, ok
}

// NormalizeOwner lower-cases and trims a wallet/account key so "0xAbC" and
// "0xabc " address the same owner.
func NormalizeOwner(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Meta is informational request context, never used in decisions.
type Meta struct {
	IP        string
	UserAgent string
	Geo       string
}

// Request is one paid-license purchase request.
//
// Invariants:
//   - ActivatedAt and ExpiresAt are set together, only on the transition
//     into active.
//   - MessageRef is set at most once and never cleared.
type Request struct {
	ID             string
	OwnerKey       string
	Plan           Plan
	Status         Status
	PaymentAsset   string
	PaymentAmount  float64
	PaymentAddress string
	SendLimit      int64
	AmountConsumed int64
	PurchasedAt    time.Time
	ActivatedAt    *time.Time
	ExpiresAt      *time.Time
	MessageRef     *channel.MessageRef
	Meta           Meta
	UpdatedAt      time.Time
}

// ExpiredAt reports whether an active request has lapsed at the given time.
func (r Request) ExpiredAt(now time.Time) bool {
	return r.Status == StatusActive && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// StatusEvent is the wire shape broadcast to subscribers and returned in
// status snapshots.
type StatusEvent struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Plan      Plan       `json:"plan"`
	Status    Status     `json:"status"`
	SendLimit int64      `json:"send_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Event builds the broadcast shape for a record.
func (r Request) Event() StatusEvent {
	return StatusEvent{
		ID:        r.ID,
		Owner:     r.OwnerKey,
		Plan:      r.Plan,
		Status:    r.Status,
		SendLimit: r.SendLimit,
		ExpiresAt: r.ExpiresAt,
	}
}
