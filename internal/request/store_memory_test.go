package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tollgate/internal/channel"
)

func seedRequest(t *testing.T, s *MemoryStore, id string, st Status, createdAt time.Time) {
	t.Helper()
	err := s.Create(context.Background(), Request{
		ID:          id,
		SubjectName: "doc.pdf",
		Status:      st,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestMemoryStore_ApplyStatus_Conditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRequest(t, s, "r1", StatusPending, time.Now())

	rec, err := s.ApplyStatus(ctx, "r1", StatusChange{
		From: []Status{StatusPending},
		To:   StatusAwaitingValue,
		Now:  time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if rec.Status != StatusAwaitingValue {
		t.Fatalf("status %q, want awaiting_value", rec.Status)
	}

	// Same predicate again: the record moved, so the write must lose.
	_, err = s.ApplyStatus(ctx, "r1", StatusChange{
		From: []Status{StatusPending},
		To:   StatusRejected,
		Now:  time.Now(),
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err %v, want ErrAlreadyProcessed", err)
	}

	_, err = s.ApplyStatus(ctx, "missing", StatusChange{From: []Status{StatusPending}, To: StatusRejected})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ApplyStatus_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRequest(t, s, "r1", StatusPending, time.Now())

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan Status, racers)

	for i := 0; i < racers; i++ {
		to := StatusRejected
		if i%2 == 0 {
			to = StatusAccepted
		}
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			v := 100.0
			ch := StatusChange{From: []Status{StatusPending}, To: to, Now: time.Now()}
			if to == StatusAccepted {
				ch.AssignedValue = &v
			}
			if _, err := s.ApplyStatus(ctx, "r1", ch); err == nil {
				wins <- to
			}
		}(to)
	}
	wg.Wait()
	close(wins)

	var winners []Status
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d winners, want exactly 1", len(winners))
	}

	rec, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != winners[0] {
		t.Fatalf("stored status %q, winner wrote %q", rec.Status, winners[0])
	}
}

func TestMemoryStore_SetMessageRef_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRequest(t, s, "r1", StatusPending, time.Now())

	first := channel.MessageRef{ChatID: 1, MessageID: 10}
	if err := s.SetMessageRef(ctx, "r1", first); err != nil {
		t.Fatalf("SetMessageRef: %v", err)
	}
	if err := s.SetMessageRef(ctx, "r1", channel.MessageRef{ChatID: 1, MessageID: 99}); err != nil {
		t.Fatalf("SetMessageRef second: %v", err)
	}

	rec, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.MessageRef == nil || rec.MessageRef.MessageID != first.MessageID {
		t.Fatalf("ref %+v, want first writer's %+v", rec.MessageRef, first)
	}
}

func TestMemoryStore_ExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedRequest(t, s, "old_pending", StatusPending, now.Add(-time.Hour))
	seedRequest(t, s, "old_awaiting", StatusAwaitingValue, now.Add(-time.Hour))
	seedRequest(t, s, "old_accepted", StatusAccepted, now.Add(-time.Hour))
	seedRequest(t, s, "fresh", StatusPending, now)

	n, err := s.ExpireOlderThan(ctx, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("ExpireOlderThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d, want 2", n)
	}

	for id, want := range map[string]Status{
		"old_pending":  StatusTimedOut,
		"old_awaiting": StatusTimedOut,
		"old_accepted": StatusAccepted,
		"fresh":        StatusPending,
	} {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if rec.Status != want {
			t.Fatalf("%s: status %q, want %q", id, rec.Status, want)
		}
	}

	// Idempotent.
	n, err = s.ExpireOlderThan(ctx, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("ExpireOlderThan again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep expired %d, want 0", n)
	}
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	seedRequest(t, s, "a", StatusAwaitingValue, now)
	seedRequest(t, s, "b", StatusPending, now)
	seedRequest(t, s, "c", StatusAwaitingValue, now)

	out, err := s.ListByStatus(ctx, StatusAwaitingValue)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "c" {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestMemoryStore_Create_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	seedRequest(t, s, "r1", StatusPending, time.Now())
	err := s.Create(context.Background(), Request{ID: "r1", SubjectName: "x", Status: StatusPending})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err %v, want ErrInvalidInput", err)
	}
}
