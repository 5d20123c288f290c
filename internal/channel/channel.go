// Package channel abstracts the operator messaging channel.
//
// The engine only needs three capabilities from the channel: deliver a
// message with optional inline buttons, edit a previously delivered message,
// and pull a cursor-ordered stream of operator actions. The Telegram client
// in this package is one implementation; tests use the in-memory fake.
package channel

import (
	"context"
	"time"
)

// MessageRef identifies a delivered operator message.
// A zero MessageID means "not delivered".
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	ThreadID  int64 `json:"thread_id,omitempty"`
}

// Delivered reports whether the ref points at a real message.
func (r MessageRef) Delivered() bool { return r.MessageID != 0 }

// Button is a single inline control on an operator message.
type Button struct {
	Label string
	Data  string
}

// Action is one inbound operator event.
//
// Exactly one of Press / Reply is set. SequenceID is the channel's durable
// cursor: strictly increasing, assigned by the channel, never reused.
type Action struct {
	SequenceID int64
	ChatID     int64
	ThreadID   int64

	Press *ButtonPress
	Reply *TypedReply
}

// TypedReply is free text typed by the operator in the channel.
type TypedReply struct {
	Text string
}

// Messenger is the outbound/inbound capability boundary for the operator
// channel.
//
// Pull blocks for at most the given timeout and returns actions with
// SequenceID > afterSeq in ascending order. Implementations must tolerate
// being polled in a tight loop.
type Messenger interface {
	Send(ctx context.Context, text string, buttons [][]Button) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string, buttons [][]Button) error
	Pull(ctx context.Context, afterSeq int64, limit int, timeout time.Duration) ([]Action, error)
}
