package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tollgate/internal/channel"
	"tollgate/internal/ids"
	"tollgate/internal/metrics"
)

// Preset amounts offered on the value-choice controls. Custom amounts come
// in as typed replies.
var presetValues = []float64{100, 500, 1000, 2500}

// Service implements the connection-request operations: create, poll, and
// transition application.
//
// The store is the source of truth; the operator message is a view of it.
// Channel delivery failures are logged and never roll back a committed
// transition, so the message can go stale until the next successful edit.
type Service struct {
	log       *slog.Logger
	store     Store
	messenger channel.Messenger
	metrics   *metrics.Engine

	now func() time.Time
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, messenger channel.Messenger) *Service {
	return &Service{
		log:       log,
		store:     store,
		messenger: messenger,
		metrics:   metrics.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create registers a new pending request and notifies the operator channel
// with the initial Approve/Reject controls.
func (s *Service) Create(ctx context.Context, subjectName, originIP string) (Request, error) {
	subjectName = strings.TrimSpace(subjectName)
	if subjectName == "" {
		return Request{}, fmt.Errorf("%w: empty subject name", ErrInvalidInput)
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	rec := Request{
		ID:          id,
		SubjectName: subjectName,
		Status:      StatusPending,
		OriginIP:    originIP,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return Request{}, err
	}
	s.metrics.RequestsCreated.WithLabelValues("connection").Inc()

	ref, err := s.messenger.Send(ctx, initialText(rec), initialButtons(rec.ID))
	if err != nil {
		// The request stands; the operator can still act through the admin
		// API and the client observes state through polling.
		s.log.Error("request.notify.fail", "id", id, "err", err)
		s.metrics.ChannelFailures.WithLabelValues("send").Inc()
		return rec, nil
	}
	if err := s.store.SetMessageRef(ctx, id, ref); err != nil {
		s.log.Error("request.msgref.fail", "id", id, "err", err)
	}
	r := ref
	rec.MessageRef = &r
	return rec, nil
}

// Get returns the current record (poll endpoint).
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.store.Get(ctx, id)
}

// Apply runs one action against a request.
//
// It returns the updated record on success. ErrNotFound, ErrAlreadyProcessed
// and ErrInvalidValue are the only expected failures; everything else is a
// store error.
func (s *Service) Apply(ctx context.Context, id string, act Action) (Request, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}

	out, err := Transition(rec.Status, act)
	if err != nil {
		return Request{}, err
	}

	updated, err := s.store.ApplyStatus(ctx, id, StatusChange{
		From:          AllowedFrom(act.Kind),
		To:            out.Next,
		AssignedValue: out.AssignedValue,
		Now:           s.now(),
	})
	if err != nil {
		return Request{}, err
	}
	s.metrics.Transitions.WithLabelValues("connection", string(updated.Status)).Inc()
	s.log.Info("request.transition",
		"id", id, "action", act.Kind.String(), "status", string(updated.Status))

	s.render(ctx, updated, out.Effect)
	return updated, nil
}

// ApplyTypedReply routes a free-text operator reply.
//
// A reply is only meaningful when exactly one request is awaiting a value
// and, when that request recorded a message ref, the reply came from the
// same thread. Anything else is silently ignored; replies are not
// addressed, so cross-talk must never move state.
func (s *Service) ApplyTypedReply(ctx context.Context, threadID int64, text string) error {
	waiting, err := s.store.ListByStatus(ctx, StatusAwaitingValue)
	if err != nil {
		return err
	}
	if len(waiting) != 1 {
		return nil
	}
	rec := waiting[0]
	if rec.MessageRef != nil && rec.MessageRef.ThreadID != threadID {
		return nil
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || !ValidValue(value) {
		s.echoInvalidValue(ctx, text)
		return nil
	}

	_, err = s.Apply(ctx, rec.ID, Action{Kind: ActionSetValue, Value: value})
	if errors.Is(err, ErrInvalidValue) {
		s.echoInvalidValue(ctx, text)
		return nil
	}
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

func (s *Service) echoInvalidValue(ctx context.Context, text string) {
	msg := fmt.Sprintf("Value %q is not a positive number, try again.", strings.TrimSpace(text))
	if _, err := s.messenger.Send(ctx, msg, nil); err != nil {
		s.log.Error("request.echo.fail", "err", err)
		s.metrics.ChannelFailures.WithLabelValues("send").Inc()
	}
}

// render re-draws the operator message after a committed transition.
func (s *Service) render(ctx context.Context, rec Request, effect Effect) {
	if effect == EffectNone || rec.MessageRef == nil {
		return
	}

	var (
		text    string
		buttons [][]channel.Button
	)
	switch effect {
	case EffectShowInitial:
		text = initialText(rec)
		buttons = initialButtons(rec.ID)
	case EffectShowChoice:
		text = initialText(rec) + "\nPick a value or type one as a reply."
		buttons = choiceButtons(rec.ID)
	case EffectShowTerminal:
		text = terminalText(rec)
	}

	if err := s.messenger.Edit(ctx, *rec.MessageRef, text, buttons); err != nil {
		s.log.Error("request.render.fail", "id", rec.ID, "err", err)
		s.metrics.ChannelFailures.WithLabelValues("edit").Inc()
	}
}

func initialText(rec Request) string {
	return fmt.Sprintf("Upload request: %s\nFrom: %s", rec.SubjectName, rec.OriginIP)
}

func terminalText(rec Request) string {
	switch rec.Status {
	case StatusAccepted:
		v := 0.0
		if rec.AssignedValue != nil {
			v = *rec.AssignedValue
		}
		return fmt.Sprintf("Upload request: %s\nAccepted, value %s.",
			rec.SubjectName, strconv.FormatFloat(v, 'f', -1, 64))
	case StatusRejected:
		return fmt.Sprintf("Upload request: %s\nRejected.", rec.SubjectName)
	case StatusTimedOut:
		return fmt.Sprintf("Upload request: %s\nTimed out.", rec.SubjectName)
	}
	return fmt.Sprintf("Upload request: %s\n%s.", rec.SubjectName, rec.Status)
}

func initialButtons(id string) [][]channel.Button {
	return [][]channel.Button{{
		{Label: "Approve", Data: channel.EncodeCallback(channel.VerbApprove, id)},
		{Label: "Reject", Data: channel.EncodeCallback(channel.VerbReject, id)},
	}}
}

func choiceButtons(id string) [][]channel.Button {
	var rows [][]channel.Button
	var row []channel.Button
	for _, v := range presetValues {
		row = append(row, channel.Button{
			Label: strconv.FormatFloat(v, 'f', -1, 64),
			Data:  channel.EncodeValueCallback(id, v),
		})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []channel.Button{{
		Label: "Cancel",
		Data:  channel.EncodeCallback(channel.VerbCancel, id),
	}})
	return rows
}
