// Package sweep reclaims abandoned requests on a fixed interval.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"tollgate/internal/license"
	"tollgate/internal/metrics"
	"tollgate/internal/request"
)

const defaultInterval = 30 * time.Second

// Sweeper expires connection requests stuck in non-terminal states past the
// configured age, and active licenses past their expiry. Both sweeps are
// bulk conditional updates, so the sweeper is idempotent and safe next to
// lazy expiry evaluation.
type Sweeper struct {
	log      *slog.Logger
	requests request.Store
	licenses license.Store
	metrics  *metrics.Engine

	interval   time.Duration
	requestAge time.Duration

	now func() time.Time
}

// New constructs a Sweeper. requestAge is the timeout window for connection
// requests; it applies from creation regardless of operator activity.
func New(log *slog.Logger, requests request.Store, licenses license.Store, interval, requestAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		log:        log,
		requests:   requests,
		licenses:   licenses,
		metrics:    metrics.Default(),
		interval:   interval,
		requestAge: requestAge,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the sweeper clock (tests).
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run ticks until the context is cancelled. A failed sweep is logged and
// retried on the next tick; nothing here is fatal.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweep.start", "interval", s.interval.String(), "request_age", s.requestAge.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep.stop")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep pass. Exported so tests and admin tooling can
// drive it without the ticker.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.now()

	if s.requestAge > 0 {
		cutoff := now.Add(-s.requestAge)
		n, err := s.requests.ExpireOlderThan(ctx, cutoff, now)
		if err != nil {
			s.log.Error("sweep.requests.fail", "err", err)
		} else if n > 0 {
			s.metrics.SweepExpired.WithLabelValues("connection").Add(float64(n))
			s.log.Info("sweep.requests.expired", "count", n)
		}
	}

	n, err := s.licenses.ExpireDue(ctx, now)
	if err != nil {
		s.log.Error("sweep.licenses.fail", "err", err)
	} else if n > 0 {
		s.metrics.SweepExpired.WithLabelValues("license").Add(float64(n))
		s.log.Info("sweep.licenses.expired", "count", n)
	}
}
