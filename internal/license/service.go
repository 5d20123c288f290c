package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tollgate/internal/channel"
	"tollgate/internal/ids"
	"tollgate/internal/metrics"
)

// Publisher fans license status events out to subscribers. A nil Publisher
// disables broadcasting; nothing in this service ever blocks on it.
type Publisher interface {
	PublishSubject(subject string, payload []byte)
}

// Service implements the license-request operations.
//
// Amounts are operator-asserted: mark-paid is a claim, and the operator
// approves or rejects it through the channel. The store is the source of
// truth; channel delivery failures never roll back a committed transition.
type Service struct {
	log       *slog.Logger
	store     Store
	messenger channel.Messenger
	publisher Publisher
	metrics   *metrics.Engine

	paymentAddress string
	now            func() time.Time
}

// NewService constructs a Service. paymentAddress is the static deposit
// address quoted to buyers.
func NewService(log *slog.Logger, store Store, messenger channel.Messenger, publisher Publisher, paymentAddress string) *Service {
	return &Service{
		log:            log,
		store:          store,
		messenger:      messenger,
		publisher:      publisher,
		metrics:        metrics.Default(),
		paymentAddress: paymentAddress,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOrGet returns the owner's open request, creating one when none
// exists. Re-querying with the same owner is idempotent until the open
// request reaches a terminal or active state.
func (s *Service) CreateOrGet(ctx context.Context, owner string, plan Plan, meta Meta) (Request, error) {
	owner = NormalizeOwner(owner)
	if owner == "" {
		return Request{}, fmt.Errorf("%w: empty owner", ErrInvalidInput)
	}
	spec, ok := plan.Spec()
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, plan)
	}

	if existing, err := s.store.FindOpenByOwner(ctx, owner); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Request{}, err
	}

	key, err := ids.NewShortKey()
	if err != nil {
		return Request{}, err
	}

	now := s.now()
	rec := Request{
		ID:             key,
		OwnerKey:       owner,
		Plan:           plan,
		Status:         StatusPendingPayment,
		PaymentAsset:   spec.Asset,
		PaymentAmount:  spec.Price,
		PaymentAddress: s.paymentAddress,
		SendLimit:      spec.SendLimit,
		PurchasedAt:    now,
		Meta:           meta,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrOpenExists) {
			// Lost a concurrent create for this owner; the store's
			// uniqueness guard kept the invariant, return the winner.
			return s.store.FindOpenByOwner(ctx, owner)
		}
		return Request{}, err
	}
	s.metrics.RequestsCreated.WithLabelValues("license").Inc()
	s.log.Info("license.create", "id", rec.ID, "owner", owner, "plan", string(plan))
	return rec, nil
}

// Get returns the current record by id.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.store.Get(ctx, ids.NormalizeKey(id))
}

// MarkPaid moves a request to awaiting_approval and notifies the operator
// with Approve/Reject controls.
func (s *Service) MarkPaid(ctx context.Context, id string) (Request, error) {
	rec, err := s.apply(ctx, ids.NormalizeKey(id), ActionMarkPaid)
	if err != nil {
		return Request{}, err
	}

	text := fmt.Sprintf("License payment claimed\nKey: %s\nOwner: %s\nPlan: %s (%s %s)",
		rec.ID, rec.OwnerKey, rec.Plan, formatAmount(rec.PaymentAmount), rec.PaymentAsset)
	buttons := [][]channel.Button{{
		{Label: "Approve", Data: channel.EncodeCallback(channel.VerbLicenseApprove, rec.ID)},
		{Label: "Reject", Data: channel.EncodeCallback(channel.VerbLicenseReject, rec.ID)},
	}}
	ref, err := s.messenger.Send(ctx, text, buttons)
	if err != nil {
		s.log.Error("license.notify.fail", "id", rec.ID, "err", err)
		s.metrics.ChannelFailures.WithLabelValues("send").Inc()
		return rec, nil
	}
	if err := s.store.SetMessageRef(ctx, rec.ID, ref); err != nil {
		s.log.Error("license.msgref.fail", "id", rec.ID, "err", err)
	}
	r := ref
	rec.MessageRef = &r
	return rec, nil
}

// Decide applies the operator's approve/reject decision.
func (s *Service) Decide(ctx context.Context, id string, approved bool) (Request, error) {
	kind := ActionReject
	if approved {
		kind = ActionApprove
	}
	rec, err := s.apply(ctx, ids.NormalizeKey(id), kind)
	if err != nil {
		return Request{}, err
	}

	s.broadcast(rec)
	s.renderDecision(ctx, rec)
	return rec, nil
}

// Status reports the owner's active and open requests, evaluating lazy
// expiry first so a lapsed license is reported as absent even before the
// sweeper's next tick.
func (s *Service) Status(ctx context.Context, owner string) (active, pending *StatusEvent, err error) {
	owner = NormalizeOwner(owner)
	if owner == "" {
		return nil, nil, fmt.Errorf("%w: empty owner", ErrInvalidInput)
	}
	now := s.now()

	if rec, err := s.store.FindActiveByOwner(ctx, owner); err == nil {
		if rec.ExpiredAt(now) {
			// Lazy expiry: flip the record now; losing the race to the
			// sweeper is fine.
			if _, expErr := s.apply(ctx, rec.ID, ActionExpire); expErr != nil && !errors.Is(expErr, ErrAlreadyProcessed) {
				s.log.Error("license.lazy_expire.fail", "id", rec.ID, "err", expErr)
			}
		} else {
			e := rec.Event()
			active = &e
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	if rec, err := s.store.FindOpenByOwner(ctx, owner); err == nil {
		e := rec.Event()
		pending = &e
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	return active, pending, nil
}

// apply runs one transition through the conditional update.
func (s *Service) apply(ctx context.Context, id string, kind ActionKind) (Request, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}

	out, err := Transition(rec.Status, rec.Plan, kind, s.now())
	if err != nil {
		return Request{}, err
	}

	updated, err := s.store.ApplyStatus(ctx, id, StatusChange{
		From:        AllowedFrom(kind),
		To:          out.Next,
		ActivatedAt: out.ActivatedAt,
		ExpiresAt:   out.ExpiresAt,
		Now:         s.now(),
	})
	if err != nil {
		return Request{}, err
	}
	s.metrics.Transitions.WithLabelValues("license", string(updated.Status)).Inc()
	s.log.Info("license.transition",
		"id", id, "action", kind.String(), "status", string(updated.Status))
	return updated, nil
}

func (s *Service) broadcast(rec Request) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(rec.Event())
	if err != nil {
		s.log.Error("license.broadcast.encode.fail", "id", rec.ID, "err", err)
		return
	}
	s.publisher.PublishSubject(rec.OwnerKey, payload)
}

func (s *Service) renderDecision(ctx context.Context, rec Request) {
	if rec.MessageRef == nil {
		return
	}
	var text string
	switch rec.Status {
	case StatusActive:
		until := ""
		if rec.ExpiresAt != nil {
			until = rec.ExpiresAt.Format(time.RFC3339)
		}
		text = fmt.Sprintf("License %s\nApproved for %s until %s.", rec.ID, rec.OwnerKey, until)
	case StatusRejected:
		text = fmt.Sprintf("License %s\nRejected for %s.", rec.ID, rec.OwnerKey)
	default:
		return
	}
	if err := s.messenger.Edit(ctx, *rec.MessageRef, text, nil); err != nil {
		s.log.Error("license.render.fail", "id", rec.ID, "err", err)
		s.metrics.ChannelFailures.WithLabelValues("edit").Inc()
	}
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%g", v)
}
