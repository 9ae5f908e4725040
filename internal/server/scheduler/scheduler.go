// Package scheduler runs the periodic jobs of the server: batch cutting and
// data retention.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
)

// Scheduler never runs two instances of the same job at once, and a job
// that panics does not take the process down.
type Scheduler struct {
	cron   *cron.Cron
	logger logging.Logger
}

func New(l logging.Logger) *Scheduler {
	cl := logging.NewCronLogger(l)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: l.With("module", "scheduler"),
	}
}

// Add registers job under spec ("@every 1m", "0 3 * * *", ...).
func (s *Scheduler) Add(name, spec string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info(context.Background(), "job scheduled", "job", name, "spec", spec)
	return nil
}

// Run starts the jobs and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info(ctx, "Stopping scheduler...")
	<-s.cron.Stop().Done()
	return nil
}
