package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drives Sweeper.Sweep on a fixed interval via robfig/cron.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
}

// NewScheduler builds a Scheduler that runs sweeper.Sweep every interval
// seconds.
func NewScheduler(sweeper *Sweeper, intervalSeconds int, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	_, err := c.AddFunc(spec, func() {
		sweeper.Sweep(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: schedule sweep: %w", err)
	}

	return &Scheduler{cron: c, sweeper: sweeper, logger: logger}, nil
}

// Start begins running the scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.logger.Info("cleanup scheduler starting")
	s.cron.Start()
}

// Stop blocks until any in-progress sweep finishes, then stops scheduling
// new ones.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cleanup scheduler stopped")
}
