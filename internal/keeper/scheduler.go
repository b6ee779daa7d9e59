// Package keeper drives the engines on a schedule: the daily basket
// rebalance and the weekly investment cycle.
package keeper

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/atmx/fund-engine/internal/metrics"
)

// Job represents a scheduled job.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  *slog.Logger
}

// New creates a scheduler whose jobs run with ctx. Schedules use the
// six-field format with seconds.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  ctx,
		log:  slog.Default().With("component", "keeper"),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("keeper started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("keeper stopped")
}

// AddJob registers job under a cron schedule, e.g. "0 0 0 * * *" or
// "@every 1h". A failed run is logged and waits for the next tick.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := s.cron.AddFunc(schedule, func() { _ = s.RunNow(job) }); err != nil {
		return err
	}
	s.log.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Debug("running job", "job", job.Name())
	err := job.Run(s.ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Error("job failed", "job", job.Name(), "err", err)
	} else {
		s.log.Debug("job completed", "job", job.Name())
	}
	metrics.KeeperRuns.WithLabelValues(job.Name(), outcome).Inc()
	return err
}
