package license

import (
	"context"
	"time"

	"tollgate/internal/channel"
)

// StatusChange is a conditional status write, the license counterpart of the
// connection-request one: UPDATE ... WHERE status IN (From), zero rows means
// ErrAlreadyProcessed.
type StatusChange struct {
	From        []Status
	To          Status
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	Now         time.Time
}

// Store is the persistence boundary for license requests.
//
// Requirements:
//   - ApplyStatus is a compare-and-swap on the status column and only
//     touches ActivatedAt/ExpiresAt when the change carries them.
//   - FindOpenByOwner backs create idempotency: at most one request per
//     owner may be in {pending_payment, awaiting_approval}.
//   - ExpireDue bulk-moves lapsed active records and must be idempotent.
type Store interface {
	Create(ctx context.Context, rec Request) error
	Get(ctx context.Context, id string) (Request, error)
	FindOpenByOwner(ctx context.Context, owner string) (Request, error)
	FindActiveByOwner(ctx context.Context, owner string) (Request, error)
	ApplyStatus(ctx context.Context, id string, ch StatusChange) (Request, error)
	SetMessageRef(ctx context.Context, id string, ref channel.MessageRef) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}
