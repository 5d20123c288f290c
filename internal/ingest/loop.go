// Package ingest runs the single consumer of operator actions.
//
// Exactly one loop may ingest per process: the Guard makes that operational
// invariant explicit and testable instead of relying on module state. The
// loop owns the high-water mark over the channel's sequence ids; the mark is
// process memory only and resets on restart, which is safe because the
// conditional updates downstream make replays report AlreadyProcessed.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"tollgate/internal/channel"
	"tollgate/internal/license"
	"tollgate/internal/metrics"
	"tollgate/internal/request"
)

// ErrAlreadyRunning is returned when a second loop tries to start against
// the same Guard.
var ErrAlreadyRunning = errors.New("ingest: loop already running")

// Guard is the process-wide single-runner token. Construct one per process
// and hand it to every Loop; the second Run is rejected.
type Guard struct {
	running atomic.Bool
}

// NewGuard constructs a Guard.
func NewGuard() *Guard { return &Guard{} }

func (g *Guard) acquire() bool { return g.running.CompareAndSwap(false, true) }
func (g *Guard) release()      { g.running.Store(false) }

const (
	defaultPullTimeout = 25 * time.Second
	defaultPullDelay   = 500 * time.Millisecond
	defaultBatchSize   = 100
)

// Loop pulls operator actions and applies them at most once.
type Loop struct {
	log       *slog.Logger
	guard     *Guard
	messenger channel.Messenger
	requests  *request.Service
	licenses  *license.Service
	metrics   *metrics.Engine

	// lastSeq is owned by the running goroutine; it is atomic only so
	// tests and status endpoints may read it concurrently.
	lastSeq atomic.Int64

	pullTimeout time.Duration
	pullDelay   time.Duration
	batchSize   int
}

// Option configures a Loop.
type Option func(*Loop)

// WithPullTimeout sets the per-pull long-poll timeout.
func WithPullTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.pullTimeout = d
		}
	}
}

// WithPullDelay sets the fixed pause between pulls.
func WithPullDelay(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.pullDelay = d
		}
	}
}

// NewLoop constructs a Loop bound to the given Guard.
func NewLoop(log *slog.Logger, guard *Guard, messenger channel.Messenger, requests *request.Service, licenses *license.Service, opts ...Option) *Loop {
	l := &Loop{
		log:         log,
		guard:       guard,
		messenger:   messenger,
		requests:    requests,
		licenses:    licenses,
		metrics:     metrics.Default(),
		pullTimeout: defaultPullTimeout,
		pullDelay:   defaultPullDelay,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LastSequence returns the high-water mark.
func (l *Loop) LastSequence() int64 { return l.lastSeq.Load() }

// Run pulls and processes until the context is cancelled. Cancellation
// latency is bounded by the per-pull timeout. A failed pull or a failed
// action never aborts the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.guard.acquire() {
		return ErrAlreadyRunning
	}
	defer l.guard.release()

	l.log.Info("ingest.start", "pull_timeout", l.pullTimeout.String())
	for {
		if err := ctx.Err(); err != nil {
			l.log.Info("ingest.stop")
			return nil
		}

		l.tick(ctx)

		select {
		case <-ctx.Done():
			l.log.Info("ingest.stop")
			return nil
		case <-time.After(l.pullDelay):
		}
	}
}

// tick performs one pull-and-process cycle.
func (l *Loop) tick(ctx context.Context) {
	pullCtx, cancel := context.WithTimeout(ctx, l.pullTimeout+5*time.Second)
	actions, err := l.messenger.Pull(pullCtx, l.lastSeq.Load(), l.batchSize, l.pullTimeout)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			// Transient: the next tick retries; the short fixed interval
			// replaces any backoff scheme.
			l.log.Warn("ingest.pull.fail", "err", err)
		}
		return
	}

	l.process(ctx, actions)
}

// process applies a batch ordered by sequence id ascending.
//
// The mark advances to the maximum sequence seen before any side effect
// runs: a crash mid-batch must not replay actions, and a failed action is
// dropped rather than retried; the operator message still shows the
// pre-transition controls, so the operator can simply press again.
func (l *Loop) process(ctx context.Context, actions []channel.Action) {
	last := l.lastSeq.Load()

	fresh := actions[:0:0]
	maxSeq := last
	for _, a := range actions {
		if a.SequenceID <= last {
			continue
		}
		fresh = append(fresh, a)
		if a.SequenceID > maxSeq {
			maxSeq = a.SequenceID
		}
	}
	if maxSeq > last {
		l.lastSeq.Store(maxSeq)
	}

	for _, a := range fresh {
		l.handle(ctx, a)
	}
}

// handle routes one action inside its own failure boundary.
func (l *Loop) handle(ctx context.Context, a channel.Action) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.ActionsDropped.Inc()
			l.log.Error("ingest.action.panic", "seq", a.SequenceID, "panic", r)
		}
	}()

	var err error
	switch {
	case a.Press != nil:
		err = l.handlePress(ctx, *a.Press)
	case a.Reply != nil:
		err = l.requests.ApplyTypedReply(ctx, a.ThreadID, a.Reply.Text)
	default:
		return
	}

	switch {
	case err == nil:
		l.metrics.ActionsApplied.Inc()
	case errors.Is(err, request.ErrAlreadyProcessed),
		errors.Is(err, license.ErrAlreadyProcessed):
		// Stale button press after another action won the race. Expected.
		l.metrics.ActionsApplied.Inc()
		l.log.Debug("ingest.action.stale", "seq", a.SequenceID)
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, license.ErrNotFound):
		l.metrics.ActionsDropped.Inc()
		l.log.Warn("ingest.action.unknown_id", "seq", a.SequenceID)
	default:
		l.metrics.ActionsDropped.Inc()
		l.log.Error("ingest.action.fail", "seq", a.SequenceID, "err", err)
	}
}

func (l *Loop) handlePress(ctx context.Context, p channel.ButtonPress) error {
	switch p.Verb {
	case channel.VerbApprove:
		_, err := l.requests.Apply(ctx, p.RequestID, request.Action{Kind: request.ActionApproveChoose})
		return err
	case channel.VerbReject:
		_, err := l.requests.Apply(ctx, p.RequestID, request.Action{Kind: request.ActionReject})
		return err
	case channel.VerbCancel:
		_, err := l.requests.Apply(ctx, p.RequestID, request.Action{Kind: request.ActionCancel})
		return err
	case channel.VerbSetValue:
		_, err := l.requests.Apply(ctx, p.RequestID, request.Action{Kind: request.ActionSetValue, Value: p.Value})
		return err
	case channel.VerbLicenseApprove:
		_, err := l.licenses.Decide(ctx, p.RequestID, true)
		return err
	case channel.VerbLicenseReject:
		_, err := l.licenses.Decide(ctx, p.RequestID, false)
		return err
	}
	return channel.ErrUnknownVerb
}
