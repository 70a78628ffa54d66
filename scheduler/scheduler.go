// Package scheduler drives queued jobs to completion. One leader replica
// periodically enforces timeouts, honours abort requests, removes orphaned
// workloads and dispatches jobs whose dependencies are satisfied.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meikuraledutech/jobdag"
)

// Config tunes the loop and the resource shaping applied on dispatch.
type Config struct {
	Interval        time.Duration
	DispatchTimeout time.Duration
	// CPUDiscount is subtracted from a job's cpu limit (overcommit).
	CPUDiscount float64
	// MemoryOverhead in MiB is added to a job's memory limit.
	MemoryOverhead int64
}

func DefaultConfig() Config {
	return Config{
		Interval:        3 * time.Second,
		DispatchTimeout: 10 * time.Second,
		CPUDiscount:     0.2,
		MemoryOverhead:  256,
	}
}

// Options wires a Scheduler. Lease and Assigner are optional.
type Options struct {
	Store      jobdag.JobStore
	Clusters   jobdag.ClusterDirectory
	Dispatcher jobdag.Dispatcher
	Lease      jobdag.Lease
	Assigner   *Assigner
	Logger     *slog.Logger
	Config     Config
}

type Scheduler struct {
	store      jobdag.JobStore
	clusters   jobdag.ClusterDirectory
	dispatcher jobdag.Dispatcher
	lease      jobdag.Lease
	assigner   *Assigner
	logger     *slog.Logger
	cfg        Config

	now func() time.Time
}

func New(opts Options) *Scheduler {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}

	s := &Scheduler{
		store:      opts.Store,
		clusters:   opts.Clusters,
		dispatcher: opts.Dispatcher,
		lease:      opts.Lease,
		assigner:   opts.Assigner,
		logger:     opts.Logger,
		cfg:        cfg,
		now:        time.Now,
	}
	if s.lease == nil {
		s.lease = StaticLease{}
	}
	if s.assigner == nil {
		s.assigner = NewAssigner(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run ticks every Config.Interval until ctx is done. Errors of a single
// iteration are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler iteration failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single iteration. It does nothing unless this replica
// holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	leader, err := s.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("jobdag: acquire lease: %w", err)
	}
	if !leader {
		s.logger.Debug("Not the leader, skipping iteration")
		return nil
	}

	var errs []error
	if err := s.expireTimeouts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobdag: timeouts: %w", err))
	}
	if err := s.processAborts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobdag: aborts: %w", err))
	}
	if err := s.removeOrphans(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobdag: orphans: %w", err))
	}
	if err := s.scan(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobdag: dependency scan: %w", err))
	}
	return errors.Join(errs...)
}

// transition applies a state change and logs lost races.
func (s *Scheduler) transition(ctx context.Context, job jobdag.Job, expected []jobdag.State, next jobdag.State, t jobdag.Transition) bool {
	ok, err := s.store.CompareAndSetState(ctx, job.ID, expected, next, t)
	if err != nil {
		s.logger.Error("State transition failed",
			slog.String("job_id", job.ID),
			slog.String("to", string(next)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		s.logger.Debug("State changed concurrently",
			slog.String("job_id", job.ID),
			slog.String("to", string(next)),
		)
		return false
	}
	s.logger.Info("Job state changed",
		slog.String("job_id", job.ID),
		slog.String("build_id", job.BuildID),
		slog.String("name", job.Name),
		slog.String("state", string(next)),
	)
	return true
}
