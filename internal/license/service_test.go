package license

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tollgate/internal/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingPublisher captures broadcast payloads.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{payloads: make(map[string][][]byte)}
}

func (p *recordingPublisher) PublishSubject(subject string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[subject] = append(p.payloads[subject], payload)
}

func (p *recordingPublisher) events(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.payloads[subject]...)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *channel.Memory, *recordingPublisher) {
	t.Helper()
	store := NewMemoryStore()
	messenger := channel.NewMemory()
	pub := newRecordingPublisher()
	svc := NewService(testLogger(), store, messenger, pub, "TDepositAddr123")
	return svc, store, messenger, pub
}

func TestService_CreateOrGet_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	first, err := svc.CreateOrGet(ctx, "0xAbCd", PlanPro, Meta{IP: "203.0.113.7"})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if first.Status != StatusPendingPayment {
		t.Fatalf("status %q, want pending_payment", first.Status)
	}
	if first.OwnerKey != "0xabcd" {
		t.Fatalf("owner %q, want normalized lowercase", first.OwnerKey)
	}
	if first.PaymentAddress != "TDepositAddr123" {
		t.Fatalf("payment address %q", first.PaymentAddress)
	}
	spec, _ := PlanPro.Spec()
	if first.PaymentAmount != spec.Price || first.SendLimit != spec.SendLimit {
		t.Fatalf("plan contract mismatch: %+v", first)
	}

	// Same owner, different casing: the open request is returned, not a new one.
	second, err := svc.CreateOrGet(ctx, "  0XABCD ", PlanBasic, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("got new request %s, want existing %s", second.ID, first.ID)
	}
	if second.Plan != PlanPro {
		t.Fatalf("plan %q, the open request wins", second.Plan)
	}
}

// gateStore stalls the existence check until both callers have passed it,
// the interleaving two overlapping create round trips produce.
type gateStore struct {
	*MemoryStore
	arrivals atomic.Int32
	release  chan struct{}
}

func (g *gateStore) FindOpenByOwner(ctx context.Context, owner string) (Request, error) {
	rec, err := g.MemoryStore.FindOpenByOwner(ctx, owner)
	if g.arrivals.Add(1) == 2 {
		close(g.release)
	}
	<-g.release
	return rec, err
}

func TestService_CreateOrGet_ConcurrentSingleOpen(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	gate := &gateStore{MemoryStore: mem, release: make(chan struct{})}
	svc := NewService(testLogger(), gate, channel.NewMemory(), newRecordingPublisher(), "TDepositAddr123")

	type outcome struct {
		rec Request
		err error
	}
	done := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec, err := svc.CreateOrGet(ctx, "0xabc", PlanPro, Meta{})
			done <- outcome{rec, err}
		}()
	}

	var ids []string
	for i := 0; i < 2; i++ {
		out := <-done
		if out.err != nil {
			t.Fatalf("CreateOrGet: %v", out.err)
		}
		ids = append(ids, out.rec.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("callers got %s and %s, want one shared request", ids[0], ids[1])
	}

	mem.mu.Lock()
	open := 0
	for _, rec := range mem.recs {
		if statusIn(rec.Status, openStatuses) {
			open++
		}
	}
	mem.mu.Unlock()
	if open != 1 {
		t.Fatalf("store holds %d open requests for one owner, want 1", open)
	}
}

func TestMemoryStore_Create_OpenOwnerGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	first := Request{ID: "AAAA11112222", OwnerKey: "0xabc", Plan: PlanBasic, Status: StatusPendingPayment, PurchasedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := Request{ID: "BBBB11112222", OwnerKey: "0xabc", Plan: PlanPro, Status: StatusPendingPayment, PurchasedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrOpenExists) {
		t.Fatalf("second open create: err %v, want ErrOpenExists", err)
	}

	// Once the open request is terminal the owner may create again.
	if _, err := store.ApplyStatus(ctx, first.ID, StatusChange{From: openStatuses, To: StatusRejected, Now: now}); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if err := store.Create(ctx, dup); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestService_CreateOrGet_Invalid(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.CreateOrGet(context.Background(), "  ", PlanPro, Meta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty owner: err %v, want ErrInvalidInput", err)
	}
	if _, err := svc.CreateOrGet(context.Background(), "0xabc", Plan("gold"), Meta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown plan: err %v, want ErrInvalidInput", err)
	}
}

func TestService_MarkPaid(t *testing.T) {
	ctx := context.Background()
	svc, _, messenger, _ := newTestService(t)

	rec, err := svc.CreateOrGet(ctx, "0xabc", PlanBasic, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	rec, err = svc.MarkPaid(ctx, rec.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if rec.Status != StatusAwaitingApproval {
		t.Fatalf("status %q, want awaiting_approval", rec.Status)
	}
	if rec.MessageRef == nil {
		t.Fatalf("missing operator message ref")
	}

	sent := messenger.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, rec.ID) {
		t.Fatalf("operator message %q missing key", sent[0].Text)
	}
	if len(sent[0].Buttons) != 1 || len(sent[0].Buttons[0]) != 2 {
		t.Fatalf("want Approve/Reject controls, got %+v", sent[0].Buttons)
	}

	// A second claim is stale.
	if _, err := svc.MarkPaid(ctx, rec.ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err %v, want ErrAlreadyProcessed", err)
	}
}

func TestService_Decide_Approve(t *testing.T) {
	ctx := context.Background()
	svc, _, messenger, pub := newTestService(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	rec, err := svc.CreateOrGet(ctx, "0xabc", PlanPro, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, rec.ID); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	rec, err = svc.Decide(ctx, rec.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Status != StatusActive {
		t.Fatalf("status %q, want active", rec.Status)
	}
	spec, _ := PlanPro.Spec()
	if rec.ActivatedAt == nil || !rec.ActivatedAt.Equal(base) {
		t.Fatalf("activated_at %v, want %v", rec.ActivatedAt, base)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(base.Add(spec.Duration)) {
		t.Fatalf("expires_at %v, want %v", rec.ExpiresAt, base.Add(spec.Duration))
	}

	events := pub.events("0xabc")
	if len(events) != 1 {
		t.Fatalf("broadcast %d events, want 1", len(events))
	}
	var ev StatusEvent
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Status != StatusActive || ev.ID != rec.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	// The operator message was edited to the terminal text.
	edits := messenger.Edits()
	if len(edits) != 1 {
		t.Fatalf("edits %d, want 1", len(edits))
	}
	if !strings.Contains(edits[0].Text, "Approved") {
		t.Fatalf("edit %q, want approval text", edits[0].Text)
	}
}

func TestService_Decide_RejectBeforePayment(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pub := newTestService(t)

	rec, err := svc.CreateOrGet(ctx, "0xabc", PlanBasic, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	// Reject is allowed straight from pending_payment.
	rec, err = svc.Decide(ctx, rec.ID, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rec.Status != StatusRejected {
		t.Fatalf("status %q, want rejected", rec.Status)
	}
	if len(pub.events("0xabc")) != 1 {
		t.Fatalf("rejection must broadcast")
	}

	// Terminal: nothing moves it again.
	if _, err := svc.Decide(ctx, rec.ID, true); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err %v, want ErrAlreadyProcessed", err)
	}
}

func TestService_Status_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	rec, err := svc.CreateOrGet(ctx, "0xabc", PlanBasic, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, rec.ID); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if _, err := svc.Decide(ctx, rec.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	active, pending, err := svc.Status(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if active == nil || active.Status != StatusActive {
		t.Fatalf("active %+v, want active license", active)
	}
	if pending != nil {
		t.Fatalf("pending %+v, want nil", pending)
	}

	// Jump past the plan window: the read itself must flip the record, before
	// any sweeper tick.
	spec, _ := PlanBasic.Spec()
	svc.WithClock(func() time.Time { return base.Add(spec.Duration + time.Hour) })

	active, pending, err = svc.Status(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Status after expiry: %v", err)
	}
	if active != nil {
		t.Fatalf("active %+v, want nil after lapse", active)
	}
	if pending != nil {
		t.Fatalf("pending %+v, want nil", pending)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("stored status %q, want expired", got.Status)
	}
}

func TestService_Status_PendingOnly(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	rec, err := svc.CreateOrGet(ctx, "0xabc", PlanMax, Meta{})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	active, pending, err := svc.Status(ctx, "0xABC")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if active != nil {
		t.Fatalf("active %+v, want nil", active)
	}
	if pending == nil || pending.ID != rec.ID || pending.Status != StatusPendingPayment {
		t.Fatalf("pending %+v, want the open request", pending)
	}
}

func TestTransition_Table(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name    string
		cur     Status
		kind    ActionKind
		want    Status
		wantErr error
	}{
		{"mark paid", StatusPendingPayment, ActionMarkPaid, StatusAwaitingApproval, nil},
		{"approve", StatusAwaitingApproval, ActionApprove, StatusActive, nil},
		{"reject pending", StatusPendingPayment, ActionReject, StatusRejected, nil},
		{"reject awaiting", StatusAwaitingApproval, ActionReject, StatusRejected, nil},
		{"expire", StatusActive, ActionExpire, StatusExpired, nil},

		{"mark paid twice", StatusAwaitingApproval, ActionMarkPaid, "", ErrAlreadyProcessed},
		{"approve active", StatusActive, ActionApprove, "", ErrAlreadyProcessed},
		{"reject terminal", StatusRejected, ActionReject, "", ErrAlreadyProcessed},
		{"expire non-active", StatusPendingPayment, ActionExpire, "", ErrAlreadyProcessed},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := Transition(c.cur, PlanBasic, c.kind, now)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("err %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if out.Next != c.want {
				t.Fatalf("next %q, want %q", out.Next, c.want)
			}
			if c.kind == ActionApprove && (out.ActivatedAt == nil || out.ExpiresAt == nil) {
				t.Fatalf("approve must set the activation window")
			}
		})
	}
}
