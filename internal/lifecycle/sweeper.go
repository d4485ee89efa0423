package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ppiankov/impactgate/internal/model"
)

// DefaultSweepInterval is how often Run checks for expired actions.
const DefaultSweepInterval = 10 * time.Second

// Candidates supplies ids of actions that may be past their deadline.
// The approval read model implements it; without one the sweeper folds
// every stream.
type Candidates interface {
	Expired(now time.Time) []string
}

// Sweeper times out previewed actions whose deadline has passed. Several
// sweepers may run against one store; each action still gets exactly one
// TimedOut event.
type Sweeper struct {
	engine     *Engine
	candidates Candidates
	interval   time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a sweeper. candidates may be nil.
func NewSweeper(e *Engine, candidates Candidates, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, candidates: candidates, interval: interval, logger: e.logger}
}

// SweepOnce times out every expired action and returns how many this call
// transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.expired(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		_, changed, err := s.engine.timeout(ctx, id)
		switch {
		case err == nil:
			if changed {
				n++
			}
		case errors.Is(err, model.ErrInvalidTransition):
			// decided between listing and timing out
			s.logger.Debug("sweep skipped action", "action_id", id, "error", err)
		default:
			s.logger.Warn("sweep failed", "action_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	if n > 0 {
		s.logger.Info("timed out expired actions", "count", n)
	}
	return n, errors.Join(errs...)
}

func (s *Sweeper) expired(ctx context.Context) ([]string, error) {
	now := s.engine.now()
	if s.candidates != nil {
		return s.candidates.Expired(now), nil
	}
	pending, err := s.engine.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range pending {
		if a.Expired(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
