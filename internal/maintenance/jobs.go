// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package maintenance

import (
	"context"
	"log/slog"
)

// Job names.
const (
	JobThrottleSweep = "throttle_sweep"
	JobResetPurge    = "reset_purge"
	JobWALReplay     = "wal_replay"
)

// Sweeper drops expired throttle buckets.
type Sweeper interface {
	Sweep() int
}

// ResetPurger clears expired password reset tokens.
type ResetPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// WALReplayer retries audit entries that could not be persisted.
type WALReplayer interface {
	ReplayWAL(ctx context.Context) error
}

// Schedules are the cron expressions for the standard jobs. An empty
// schedule leaves that job unregistered.
type Schedules struct {
	ThrottleSweep string
	ResetPurge    string
	WALReplay     string
}

// Targets are the components the standard jobs act on. Nil targets are
// skipped.
type Targets struct {
	Throttle Sweeper
	Resets   ResetPurger
	Audit    WALReplayer
}

// RegisterStandardJobs adds the throttle sweep, reset purge, and WAL replay
// jobs.
func RegisterStandardJobs(s *Scheduler, sched Schedules, t Targets, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var jobs []Job
	if t.Throttle != nil && sched.ThrottleSweep != "" {
		jobs = append(jobs, Job{
			Name:     JobThrottleSweep,
			Schedule: sched.ThrottleSweep,
			Run: func(context.Context) error {
				if n := t.Throttle.Sweep(); n > 0 {
					logger.Debug("swept throttle buckets", "removed", n)
				}
				return nil
			},
		})
	}
	if t.Resets != nil && sched.ResetPurge != "" {
		jobs = append(jobs, Job{
			Name:     JobResetPurge,
			Schedule: sched.ResetPurge,
			Run: func(ctx context.Context) error {
				n, err := t.Resets.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("purged expired reset tokens", "count", n)
				}
				return nil
			},
		})
	}
	if t.Audit != nil && sched.WALReplay != "" {
		jobs = append(jobs, Job{
			Name:     JobWALReplay,
			Schedule: sched.WALReplay,
			Run:      t.Audit.ReplayWAL,
		})
	}

	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
