package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"tollgate/internal/channel"
)

// MemoryStore is the dev/test Store. It mirrors the Postgres store's
// conditional-update semantics exactly: every status write checks the
// prior-status set under the same lock that applies it.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Request
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Request)}
}

// Create inserts a record. Duplicate ids are an input error.
func (s *MemoryStore) Create(ctx context.Context, rec Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.ID]; ok {
		return ErrInvalidInput
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
	rec.AssignedValue = ch.AssignedValue
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

// ListByStatus returns all records in st, ordered by id (creation order for
// ULIDs).
func (s *MemoryStore) ListByStatus(ctx context.Context, st Status) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, rec := range s.recs {
		if rec.Status == st {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ExpireOlderThan sweeps non-terminal records created before cutoff into
// timed_out and returns the number moved.
func (s *MemoryStore) ExpireOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.recs {
		if rec.Status != StatusPending && rec.Status != StatusAwaitingValue {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		rec.Status = StatusTimedOut
		rec.AssignedValue = nil
		rec.UpdatedAt = now
		s.recs[id] = rec
		n++
	}
	return n, nil
}
