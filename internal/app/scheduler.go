/**
 * @description
 * Cron scheduler setup for the engine's recovery sweeps.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/carrymate/delivery-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the recovery sweeps on their configured cron specs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the four sweeps and starts cron. A bad spec skips only its job.
func (s *Scheduler) Start() {
	s.register("live location sweep", s.config.LiveLocationSweepSchedule, s.jobs.SweepLiveLocations)
	s.register("rematch sweep", s.config.RematchSweepSchedule, s.jobs.RematchAvailableUsers)
	s.register("bid expiry sweep", s.config.BidExpirySweepSchedule, s.jobs.ExpireOverdueBids)
	s.register("settlement retry", s.config.SettlementRetrySchedule, s.jobs.RetrySettlements)
	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop halts cron; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
