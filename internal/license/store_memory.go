package license

import (
	"context"
	"sort"
	"sync"
	"time"

	"tollgate/internal/channel"
)

// MemoryStore is the dev/test Store with the same conditional-update
// semantics as the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Request
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Request)}
}

// Create inserts a record. Duplicate ids are an input error, and the
// owner-uniqueness check runs under the same lock as the insert so two
// concurrent creates for one owner cannot both land.
func (s *MemoryStore) Create(ctx context.Context, rec Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" || rec.OwnerKey == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.ID]; ok {
		return ErrInvalidInput
	}
	for _, cur := range s.recs {
		if cur.OwnerKey == rec.OwnerKey && statusIn(cur.Status, openStatuses) {
			return ErrOpenExists
		}
	}
	s.recs[rec.ID] = rec
	return nil
}

// Get returns a record by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return rec, nil
}

// FindOpenByOwner returns the owner's request in {pending_payment,
// awaiting_approval}, if any.
func (s *MemoryStore) FindOpenByOwner(ctx context.Context, owner string) (Request, error) {
	return s.findByOwner(ctx, owner, openStatuses)
}

// FindActiveByOwner returns the owner's active request, if any.
func (s *MemoryStore) FindActiveByOwner(ctx context.Context, owner string) (Request, error) {
	return s.findByOwner(ctx, owner, []Status{StatusActive})
}

func (s *MemoryStore) findByOwner(ctx context.Context, owner string, set []Status) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Request
	for _, rec := range s.recs {
		if rec.OwnerKey == owner && statusIn(rec.Status, set) {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		return Request{}, ErrNotFound
	}
	// Newest first, matching the Postgres ORDER BY purchased_at DESC.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].PurchasedAt.After(matches[j].PurchasedAt)
	})
	return matches[0], nil
}

// ApplyStatus performs the conditional status write.
func (s *MemoryStore) ApplyStatus(ctx context.Context, id string, ch StatusChange) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if !statusIn(rec.Status, ch.From) {
		return Request{}, ErrAlreadyProcessed
	}

	now := ch.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rec.Status = ch.To
	if ch.ActivatedAt != nil {
		rec.ActivatedAt = ch.ActivatedAt
		rec.ExpiresAt = ch.ExpiresAt
	}
	rec.UpdatedAt = now
	s.recs[id] = rec
	return rec, nil
}

// SetMessageRef records the operator message ref, first writer wins.
func (s *MemoryStore) SetMessageRef(ctx context.Context, id string, ref channel.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.MessageRef != nil {
		return nil
	}
	r := ref
	rec.MessageRef = &r
	s.recs[id] = rec
	return nil
}

// ExpireDue sweeps lapsed active records into expired.
func (s *MemoryStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.recs {
		if !rec.ExpiredAt(now) {
			continue
		}
		rec.Status = StatusExpired
		rec.UpdatedAt = now
		s.recs[id] = rec
		n++
	}
	return n, nil
}
