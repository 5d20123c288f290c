package request

import (
	"context"
	"time"

	"tollgate/internal/channel"
)

// StatusChange is a conditional status write.
//
// The store applies it as UPDATE ... WHERE status IN (From); zero affected
// rows means another writer got there first and surfaces as
// ErrAlreadyProcessed. This predicate is the engine's only concurrency
// primitive; there are no locks around transitions.
type StatusChange struct {
	From          []Status
	To            Status
	AssignedValue *float64
	Now           time.Time
}

// Store is the persistence boundary for connection requests.
//
// Requirements:
//   - ApplyStatus is a compare-and-swap on the status column.
//   - SetMessageRef writes the ref at most once (first writer wins).
//   - ExpireOlderThan is a bulk conditional update and must be idempotent.
type Store interface {
	Create(ctx context.Context, rec Request) error
	Get(ctx context.Context, id string) (Request, error)
	ApplyStatus(ctx context.Context, id string, ch StatusChange) (Request, error)
	SetMessageRef(ctx context.Context, id string, ref channel.MessageRef) error
	ListByStatus(ctx context.Context, st Status) ([]Request, error)
	ExpireOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error)
}
