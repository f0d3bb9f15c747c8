package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/store"
)

// Sweep runs one idempotent pass of the time-driven transitions: matched
// placements past the confirmation grace fail, confirmed placements still
// inside the verification window get a verification attempt, confirmed
// placements past the window fail, and the pending-request backlog is retried
// against any capacity those failures freed. Time-driven state lives in the
// database, never in in-process timers, so restarts lose nothing.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()

	stale, err := s.db.StalePlacements(store.PlacementMatched, now.AddDate(0, 0, -s.params.ConfirmGraceDays))
	if err != nil {
		s.logger.Error("sweep: scan matched failed", slog.String("error", err.Error()))
	} else {
		for _, p := range stale {
			if _, err := s.failPlacement(p, "confirmation grace period expired"); err != nil {
				s.logger.Error("sweep: fail placement",
					slog.String("placement_id", p.ID), slog.String("error", err.Error()))
			}
		}
	}

	// Verification is driven here, not only by the manual endpoint: every
	// confirmed placement still inside its window gets a link check. An
	// upstream failure defers to the next sweep; a reported absence fails the
	// placement through the usual unwind.
	cutoff := now.AddDate(0, 0, -s.params.VerifyWindowDays)
	confirmed, err := s.db.ListPlacements(store.PlacementConfirmed)
	if err != nil {
		s.logger.Error("sweep: list confirmed failed", slog.String("error", err.Error()))
	} else {
		for _, p := range confirmed {
			if p.ConfirmedAt == nil || !p.ConfirmedAt.After(cutoff) {
				continue // window expired, handled below
			}
			if _, err := s.VerifyPlacement(ctx, p.ID); err != nil {
				switch {
				case errors.Is(err, apperr.ErrUpstream):
					s.logger.Warn("sweep: verification deferred",
						slog.String("placement_id", p.ID), slog.String("error", err.Error()))
				case errors.Is(err, apperr.ErrInvalidState):
					// resolved concurrently
				default:
					s.logger.Error("sweep: verify placement",
						slog.String("placement_id", p.ID), slog.String("error", err.Error()))
				}
			}
		}
	}

	expired, err := s.db.StalePlacements(store.PlacementConfirmed, cutoff)
	if err != nil {
		s.logger.Error("sweep: scan confirmed failed", slog.String("error", err.Error()))
	} else {
		for _, p := range expired {
			if _, err := s.failPlacement(p, "verification window expired"); err != nil {
				s.logger.Error("sweep: fail placement",
					slog.String("placement_id", p.ID), slog.String("error", err.Error()))
			}
		}
	}

	s.MatchBacklog(ctx)
}

// RunSweeper runs Sweep on the given cadence until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.logger.Info("sweeper started", slog.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
