/**
 * @description
 * Scheduled job implementations. Each job is a thin, logged wrapper around an
 * engine sweep so that timers lost on restart are recovered from the store.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the engine surface driven by the scheduler.
type Sweeper interface {
	SweepLiveLocations(ctx context.Context) (evicted, rescanned int)
	RematchAvailableUsers(ctx context.Context) (int, error)
	ExpireOverdueBids(ctx context.Context) (int, error)
	SettlePending(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper Sweeper
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper Sweeper, logger *slog.Logger) *Jobs {
	return &Jobs{sweeper: sweeper, logger: logger, timeout: 2 * time.Minute}
}

func (j *Jobs) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}

// SweepLiveLocations evicts stale live-location sessions and rescans moving travelers.
func (j *Jobs) SweepLiveLocations() {
	ctx, cancel := j.context()
	defer cancel()

	evicted, rescanned := j.sweeper.SweepLiveLocations(ctx)
	if evicted > 0 || rescanned > 0 {
		j.logger.Info("live location sweep finished", "evicted", evicted, "rescanned", rescanned)
	}
}

// RematchAvailableUsers pushes open listings to every available traveler not yet told about them.
func (j *Jobs) RematchAvailableUsers() {
	j.logger.Info("starting rematch sweep")
	ctx, cancel := j.context()
	defer cancel()

	sent, err := j.sweeper.RematchAvailableUsers(ctx)
	if err != nil {
		j.logger.Error("rematch sweep failed", "error", err)
		return
	}
	j.logger.Info("rematch sweep finished", "notifications", sent)
}

// ExpireOverdueBids expires pending bids whose decision deadline passed.
func (j *Jobs) ExpireOverdueBids() {
	ctx, cancel := j.context()
	defer cancel()

	expired, err := j.sweeper.ExpireOverdueBids(ctx)
	if err != nil {
		j.logger.Error("bid expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("bid expiry sweep finished", "expired", expired)
	}
}

// RetrySettlements completes listings both parties confirmed but that were not settled.
func (j *Jobs) RetrySettlements() {
	ctx, cancel := j.context()
	defer cancel()

	settled, err := j.sweeper.SettlePending(ctx)
	if err != nil {
		j.logger.Error("settlement retry failed", "error", err)
		return
	}
	if settled > 0 {
		j.logger.Info("settlement retry finished", "settled", settled)
	}
}
