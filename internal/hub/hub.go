// Package hub is the in-memory fan-out of state-change events to subscribed
// clients.
//
// Two independent topics exist: a global one carrying settings snapshots and
// a per-subject one (keyed by owner) carrying license status changes.
// Delivery is at-least-once and best-effort: no replay buffer, a subscriber
// that connects after an event relies on its initial snapshot plus the
// polling endpoints as the source of truth.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tollgate/internal/metrics"
)

// Hub owns the subscriber registry for both topics.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Engine

	mu       sync.Mutex
	subjects map[string]*topic
	global   *topic
}

// New constructs a Hub.
func New(log *slog.Logger) *Hub {
	h := &Hub{
		log:      log,
		metrics:  metrics.Default(),
		subjects: make(map[string]*topic),
	}
	h.global = newTopic("global", nil)
	return h
}

// SubscribeGlobal registers a sink on the global settings topic.
// The caller must Close the subscriber when the connection ends.
func (h *Hub) SubscribeGlobal(queueSize int) *Subscriber {
	sub := h.global.add(queueSize)
	h.metrics.Subscribers.WithLabelValues("global").Inc()
	h.log.Info("hub.subscribe", "topic", "global", "sub", sub.ID)
	return sub
}

// SubscribeSubject registers a sink watching one owner.
func (h *Hub) SubscribeSubject(subject string, queueSize int) *Subscriber {
	h.mu.Lock()
	t, ok := h.subjects[subject]
	if !ok {
		t = newTopic(subject, func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if cur, ok := h.subjects[subject]; ok && cur.empty() {
				delete(h.subjects, subject)
			}
		})
		h.subjects[subject] = t
	}
	// Register while still holding h.mu: a concurrent last-unsubscribe runs
	// onEmpty under the same lock, so it either sees this subscriber and
	// keeps the topic, or finishes its delete before the lookup above.
	sub := t.add(queueSize)
	h.mu.Unlock()

	h.metrics.Subscribers.WithLabelValues("subject").Inc()
	h.log.Info("hub.subscribe", "topic", "subject", "subject", subject, "sub", sub.ID)
	return sub
}

// PublishGlobal broadcasts a settings snapshot to all global subscribers.
func (h *Hub) PublishGlobal(payload []byte) {
	h.global.broadcast(payload)
}

// PublishSubject broadcasts a license event to the owner's subscribers.
// Publishing to a subject nobody watches is a no-op.
func (h *Hub) PublishSubject(subject string, payload []byte) {
	h.mu.Lock()
	t := h.subjects[subject]
	h.mu.Unlock()

	if t == nil {
		return
	}
	t.broadcast(payload)
}

// Unsubscribe removes the sink from its topic and signals shutdown.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil || sub.topic == nil {
		return
	}
	label := "subject"
	if sub.topic == h.global {
		label = "global"
	}
	sub.topic.remove(sub.ID)
	sub.close()
	h.metrics.Subscribers.WithLabelValues(label).Dec()
	h.log.Info("hub.unsubscribe", "topic", label, "sub", sub.ID)
}

// Subscriber is one connected sink.
//
// Design notes:
//   - Events is intentionally never closed by the hub, so a broadcast in
//     progress can never panic against a concurrent unsubscribe.
//   - Done signals readers to stop.
type Subscriber struct {
	ID string

	events chan []byte
	done   chan struct{}

	closeOnce sync.Once
	topic     *topic
}

// Events returns the delivery channel.
func (s *Subscriber) Events() <-chan []byte { return s.events }

// Done returns a channel closed when the subscriber is shut down.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// topic is a named subscriber set with non-blocking broadcast.
type topic struct {
	name    string
	onEmpty func()

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func newTopic(name string, onEmpty func()) *topic {
	return &topic{name: name, onEmpty: onEmpty, subs: make(map[string]*Subscriber)}
}

func (t *topic) add(queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = 16
	}
	sub := &Subscriber{
		ID:     uuid.NewString(),
		events: make(chan []byte, queueSize),
		done:   make(chan struct{}),
		topic:  t,
	}

	t.mu.Lock()
	t.subs[sub.ID] = sub
	t.mu.Unlock()
	return sub
}

func (t *topic) remove(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty && t.onEmpty != nil {
		t.onEmpty()
	}
}

func (t *topic) empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs) == 0
}

// broadcast fans the payload out without blocking. A subscriber with a full
// queue or one already shutting down is skipped; it is removed on its own
// close event, never mid-iteration.
func (t *topic) broadcast(payload []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, sub := range t.subs {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.events <- payload:
		default:
			// Drop rather than block the whole topic.
		}
	}
}
