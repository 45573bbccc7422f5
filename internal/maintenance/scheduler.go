// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package maintenance runs periodic housekeeping jobs on cron schedules.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/pkg/errutil"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tifpoint_maintenance_runs_total",
	Help: "Maintenance job runs by job and result.",
}, []string{"job", "result"})

// Job is a named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithJobTimeout sets the per-run deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default(),
		timeout: DefaultJobTimeout,
		jobs:    make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	return s
}

// Add registers job. Schedules use the standard five-field cron syntax or
// descriptors such as "@every 1m".
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return oops.Code("MAINTENANCE_INVALID_JOB").Errorf("job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return oops.Code("MAINTENANCE_DUPLICATE_JOB").With("job", job.Name).Errorf("job already registered")
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) }); err != nil {
		return oops.Code("MAINTENANCE_INVALID_SCHEDULE").
			With("job", job.Name).
			With("schedule", job.Schedule).
			Wrap(err)
	}
	s.jobs[job.Name] = job
	s.logger.Info("scheduled maintenance job", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return oops.Code("MAINTENANCE_UNKNOWN_JOB").With("job", name).Errorf("job not registered")
	}
	return s.execute(job)
}

func (s *Scheduler) execute(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := runJob(ctx, job)
	if err != nil {
		jobRuns.WithLabelValues(job.Name, "error").Inc()
		errutil.LogErrorContext(ctx, s.logger, "maintenance job failed", err)
		return err
	}
	jobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug("maintenance job finished", "job", job.Name, "duration", time.Since(start))
	return nil
}

// runJob converts a panic into an error so SkipIfStillRunning keeps its slot.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("MAINTENANCE_JOB_PANIC").With("job", job.Name).Errorf("job panicked: %v", r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		return oops.With("job", job.Name).Wrap(err)
	}
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return oops.Code("MAINTENANCE_STOP_TIMEOUT").Wrap(ctx.Err())
	}
}
