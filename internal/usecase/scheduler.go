package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ProposalWatcher/internal/jobs"
	"ProposalWatcher/internal/ports"
)

// Scheduler wires the cron-like driver with the job registry.
type Scheduler struct {
	driver   ports.Scheduler
	registry *jobs.Registry
	specs    map[string]string
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs. specs maps job
// names to cron expressions.
func NewScheduler(driver ports.Scheduler, registry *jobs.Registry, specs map[string]string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, registry: registry, specs: specs, logger: logger}
}

// Start registers every configured job with the driver and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.registry == nil || len(s.specs) == 0 {
		return nil
	}

	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := s.registry.Resolve(name); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		job := func(trigger time.Time) {
			s.logger.Debug("scheduled job firing", "job", name, "at", trigger)
			_, _ = s.registry.Run(ctx, name, jobs.Request{})
		}
		if err := s.driver.Add(s.specs[name], job); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		s.logger.Info("job scheduled", "job", name, "spec", s.specs[name])
	}

	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
