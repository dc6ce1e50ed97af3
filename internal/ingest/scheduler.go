package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval    = 30 * time.Minute
	DefaultRefreshInterval = 6 * time.Hour
)

// Scheduler runs backfill passes back to back on a fixed interval. When a
// Refresher is set, weekly observations are refreshed on the same loop.
type Scheduler struct {
	backfill *Backfiller
	refresh  *Refresher
	models   []string
	clock    clockwork.Clock
	logger   *slog.Logger

	Interval        time.Duration
	RefreshInterval time.Duration

	lastRefresh time.Time
}

func NewScheduler(backfill *Backfiller, models []string, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		backfill:        backfill,
		models:          models,
		clock:           clock,
		logger:          logger.With("component", "scheduler"),
		Interval:        DefaultPollInterval,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// SetRefresher enables the weekly EIA/CPC refresh.
func (s *Scheduler) SetRefresher(r *Refresher) {
	s.refresh = r
}

// Run performs a pass immediately and then once per Interval until ctx is
// done. A store failure stops the loop and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("started", "models", s.models, "interval", s.Interval)

	if err := s.pass(ctx); err != nil {
		return s.stopped(ctx, err)
	}

	ticker := s.clock.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			return nil
		case <-ticker.Chan():
			if err := s.pass(ctx); err != nil {
				return s.stopped(ctx, err)
			}
		}
	}
}

func (s *Scheduler) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.logger.Info("shutting down")
		return nil
	}
	return err
}

func (s *Scheduler) pass(ctx context.Context) error {
	if _, err := s.backfill.RunOnce(ctx, s.models); err != nil {
		return err
	}

	if s.refresh == nil {
		return nil
	}
	now := s.clock.Now()
	if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < s.RefreshInterval {
		return nil
	}
	s.lastRefresh = now
	if err := s.refresh.Update(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// upstream outages are retried on the next refresh
		s.logger.Warn("observation refresh failed", "error", err)
	}
	return nil
}
