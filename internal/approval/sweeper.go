package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/idhini/internal/action"
)

// SweeperConfig configures the stale-proposal sweeper.
type SweeperConfig struct {
	// Schedule is a standard 5-field cron expression. Default: every minute.
	Schedule string
	// TTL is how long a proposal may sit undecided before it is declined.
	// Zero disables the sweeper.
	TTL time.Duration
}

func (c *SweeperConfig) schedule() string {
	if c != nil && c.Schedule != "" {
		return c.Schedule
	}
	return "* * * * *"
}

// Sweeper declines proposals that were never decided within the TTL.
// Decisions racing the sweep always win: the decline goes through the
// same guarded proposed -> declined transition as a user decline.
type Sweeper struct {
	machine *action.Machine
	manager *Manager
	logger  *slog.Logger
	config  *SweeperConfig
	parser  cron.Parser
}

// NewSweeper creates a Sweeper.
func NewSweeper(machine *action.Machine, manager *Manager, logger *slog.Logger, cfg *SweeperConfig) *Sweeper {
	return &Sweeper{
		machine: machine,
		manager: manager,
		logger:  logger,
		config:  cfg,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	if s.config == nil || s.config.TTL <= 0 {
		s.logger.Info("proposal sweeper disabled")
		return func() {}, nil
	}

	sched, err := s.parser.Parse(s.config.schedule())
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", s.config.schedule(), err)
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "proposal sweeper started",
			slog.String("schedule", s.config.schedule()),
			slog.String("ttl", s.config.TTL.String()),
		)

		for {
			next := sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("proposal sweeper stopped")
				return
			case <-timer.C:
				s.sweep(ctx)
			}
		}
	}()

	return cancel, nil
}

// sweep runs a single pass over stale proposed rows.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.TTL)

	ids, err := s.machine.ListStale(ctx, action.StateProposed, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing stale proposals failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(ids) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "declining expired proposals",
		slog.Int("count", len(ids)),
	)

	reason := fmt.Sprintf("expired: not decided within %s", s.config.TTL)
	for _, id := range ids {
		row, err := s.machine.DeclineExpired(ctx, id, reason)
		if err != nil {
			// A concurrent decision moved the row first. Not an error.
			s.logger.DebugContext(ctx, "proposal no longer declinable",
				slog.String("proposal_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.manager.recordExpiry(ctx, row)
	}
}
