package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, sub *Subscriber) []byte {
	t.Helper()
	select {
	case p := <-sub.Events():
		return p
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
		return nil
	}
}

func TestHub_SubjectFanOut(t *testing.T) {
	h := New(testLogger())

	a := h.SubscribeSubject("0xabc", 4)
	b := h.SubscribeSubject("0xabc", 4)
	other := h.SubscribeSubject("0xdef", 4)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)
	defer h.Unsubscribe(other)

	h.PublishSubject("0xabc", []byte("ev1"))

	if got := string(recv(t, a)); got != "ev1" {
		t.Fatalf("a got %q", got)
	}
	if got := string(recv(t, b)); got != "ev1" {
		t.Fatalf("b got %q", got)
	}

	select {
	case p := <-other.Events():
		t.Fatalf("other subject received %q", p)
	default:
	}
}

func TestHub_PublishNobodyWatching(t *testing.T) {
	h := New(testLogger())
	// Must not panic or block.
	h.PublishSubject("ghost", []byte("ev"))
	h.PublishGlobal([]byte("ev"))
}

func TestHub_GlobalTopic(t *testing.T) {
	h := New(testLogger())

	g := h.SubscribeGlobal(4)
	s := h.SubscribeSubject("0xabc", 4)
	defer h.Unsubscribe(g)
	defer h.Unsubscribe(s)

	h.PublishGlobal([]byte("settings"))

	if got := string(recv(t, g)); got != "settings" {
		t.Fatalf("global got %q", got)
	}
	select {
	case p := <-s.Events():
		t.Fatalf("subject subscriber received global event %q", p)
	default:
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := New(testLogger())

	sub := h.SubscribeSubject("0xabc", 4)
	h.Unsubscribe(sub)

	select {
	case <-sub.Done():
	default:
		t.Fatalf("Done not signalled after unsubscribe")
	}

	h.PublishSubject("0xabc", []byte("late"))
	select {
	case p := <-sub.Events():
		t.Fatalf("received %q after unsubscribe", p)
	default:
	}

	// Idempotent.
	h.Unsubscribe(sub)
}

func TestHub_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	h := New(testLogger())

	slow := h.SubscribeSubject("0xabc", 1)
	fast := h.SubscribeSubject("0xabc", 4)
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			h.PublishSubject("0xabc", []byte{byte('0' + i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full queue")
	}

	// The fast subscriber saw everything; the slow one kept only the first.
	for i := 0; i < 3; i++ {
		recv(t, fast)
	}
	if got := string(recv(t, slow)); got != "0" {
		t.Fatalf("slow got %q, want first event", got)
	}
	select {
	case p := <-slow.Events():
		t.Fatalf("slow queue should have dropped, got %q", p)
	default:
	}
}

func TestHub_SubscribeRacingLastUnsubscribe(t *testing.T) {
	h := New(testLogger())

	// Hammer the window between the topic lookup and the subscriber
	// registration: a last-unsubscribe landing there must never leave the
	// new subscriber on a topic the GC already dropped from the map.
	for i := 0; i < 500; i++ {
		old := h.SubscribeSubject("0xabc", 4)

		done := make(chan struct{})
		go func() {
			h.Unsubscribe(old)
			close(done)
		}()
		fresh := h.SubscribeSubject("0xabc", 4)
		<-done

		h.PublishSubject("0xabc", []byte("ev"))
		select {
		case <-fresh.Events():
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: subscriber orphaned, event lost", i)
		}
		h.Unsubscribe(fresh)
	}
}

func TestHub_SubjectGCWhenEmpty(t *testing.T) {
	h := New(testLogger())

	sub := h.SubscribeSubject("0xabc", 4)
	h.Unsubscribe(sub)

	h.mu.Lock()
	_, ok := h.subjects["0xabc"]
	h.mu.Unlock()
	if ok {
		t.Fatalf("empty subject topic was not removed")
	}
}
