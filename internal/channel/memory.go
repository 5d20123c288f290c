package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Messenger used when no bot token is configured and
// as the test double for the engine.
//
// It records everything sent or edited and replays scripted operator actions
// through Pull, in sequence order, the way the real channel would.
type Memory struct {
	mu      sync.Mutex
	nextMsg int64
	nextSeq int64
	chatID  int64

	sent    []SentMessage
	edits   []EditedMessage
	pending []Action
}

// SentMessage is one recorded Send call.
type SentMessage struct {
	Ref     MessageRef
	Text    string
	Buttons [][]Button
}

// EditedMessage is one recorded Edit call.
type EditedMessage struct {
	Ref     MessageRef
	Text    string
	Buttons [][]Button
}

// NewMemory constructs an in-memory messenger.
func NewMemory() *Memory {
	return &Memory{chatID: 1}
}

// Send records the message and returns a synthetic ref.
func (m *Memory) Send(_ context.Context, text string, buttons [][]Button) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMsg++
	ref := MessageRef{ChatID: m.chatID, MessageID: m.nextMsg}
	m.sent = append(m.sent, SentMessage{Ref: ref, Text: text, Buttons: buttons})
	return ref, nil
}

// Edit records the edit. Editing an undelivered ref is rejected like the
// real channel would.
func (m *Memory) Edit(_ context.Context, ref MessageRef, text string, buttons [][]Button) error {
	if !ref.Delivered() {
		return errors.New("channel: edit of undelivered message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.edits = append(m.edits, EditedMessage{Ref: ref, Text: text, Buttons: buttons})
	return nil
}

// Pull returns queued actions with SequenceID > afterSeq without blocking.
func (m *Memory) Pull(ctx context.Context, afterSeq int64, limit int, _ time.Duration) ([]Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Action
	for _, a := range m.pending {
		if a.SequenceID <= afterSeq {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Queue appends a scripted operator action, assigning the next sequence id
// unless the action carries one already (tests replay duplicates that way).
func (m *Memory) Queue(a Action) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.SequenceID == 0 {
		m.nextSeq++
		a.SequenceID = m.nextSeq
	} else if a.SequenceID > m.nextSeq {
		m.nextSeq = a.SequenceID
	}
	if a.ChatID == 0 {
		a.ChatID = m.chatID
	}
	m.pending = append(m.pending, a)
	return a
}

// Sent returns a copy of all recorded sends.
func (m *Memory) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Edits returns a copy of all recorded edits.
func (m *Memory) Edits() []EditedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EditedMessage(nil), m.edits...)
}
