package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"sqllab/internal/domain"
)

// staleGrace is added on top of the async budget before the sweeper retires
// a query, leaving room for a worker that is still writing its terminal
// state.
const staleGrace = 5 * time.Minute

// Sweeper periodically retires queries whose worker died without writing a
// terminal state, transitioning them to TIMED_OUT once they outlive the
// async budget.
type Sweeper struct {
	cron    *cron.Cron
	store   domain.QueryStore
	budget  time.Duration
	logger  *slog.Logger
	entryID cron.EntryID
}

// NewSweeper creates a Sweeper running on the given cron schedule,
// e.g. "@every 1m".
func NewSweeper(store domain.QueryStore, budget time.Duration, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		budget: budget,
		logger: logger,
	}
	entryID, err := s.cron.AddFunc(schedule, func() {
		if n, sweepErr := s.Sweep(context.Background()); sweepErr != nil {
			s.logger.Warn("stale query sweep failed", "error", sweepErr)
		} else if n > 0 {
			s.logger.Info("retired stale queries", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	s.entryID = entryID
	return s, nil
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("stale query sweeper started")
}

// Stop stops the schedule. A sweep already running finishes.
func (s *Sweeper) Stop() {
	s.cron.Stop()
	s.logger.Info("stale query sweeper stopped")
}

// Sweep retires every non-terminal query older than the budget plus grace.
// Rows a live worker still owns lose the compare-and-set and are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-(s.budget + staleGrace))
	stale, err := s.store.ListActive(ctx, nil, 1000)
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, q := range stale {
		started := q.CreatedAt
		if q.StartTime != nil {
			started = *q.StartTime
		}
		if started.After(cutoff) {
			continue
		}

		msg := "query abandoned by its worker"
		now := time.Now()
		_, trErr := s.store.Transition(ctx, q.ID,
			[]domain.QueryStatus{q.Status}, domain.StatusTimedOut,
			&domain.QueryPatch{ErrorMessage: &msg, EndTime: &now})
		if trErr != nil {
			var illegal *domain.IllegalTransitionError
			if errors.As(trErr, &illegal) {
				continue
			}
			return retired, trErr
		}
		retired++
	}
	return retired, nil
}
