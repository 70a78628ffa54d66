package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meikuraledutech/jobdag"
)

const abortMessage = "Aborted"

var active = []jobdag.State{jobdag.StateScheduled, jobdag.StateRunning}

// expireTimeouts terminates running jobs whose deadline has passed.
func (s *Scheduler) expireTimeouts(ctx context.Context) error {
	jobs, err := s.store.ListJobsByState(ctx, jobdag.StateRunning)
	if err != nil {
		return err
	}
	now := s.now()
	for _, j := range jobs {
		if j.Timeout <= 0 || j.StartDate == nil || now.Before(j.StartDate.Add(j.Timeout)) {
			continue
		}
		logger := s.logger.With(slog.String("job_id", j.ID), slog.Duration("timeout", j.Timeout))
		logger.Warn("Job timed out")

		if err := s.dispatcher.Delete(ctx, j.ID); err != nil {
			logger.Error("Failed to delete timed out job", slog.String("error", err.Error()))
			continue
		}
		s.transition(ctx, j, []jobdag.State{jobdag.StateRunning}, jobdag.StateError, jobdag.Transition{
			Message: fmt.Sprintf("Timeout after %s", j.Timeout),
			EndDate: now,
		})
	}
	return nil
}

// processAborts kills every job with a pending abort request. Queued jobs
// are killed without ever being dispatched.
func (s *Scheduler) processAborts(ctx context.Context) error {
	ids, err := s.store.ListAborts(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		logger := s.logger.With(slog.String("job_id", id))

		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			logger.Error("Failed to load aborted job", slog.String("error", err.Error()))
			continue
		}
		if j == nil || j.State.Terminal() {
			s.clearAbort(ctx, id)
			continue
		}

		t := jobdag.Transition{Message: abortMessage, EndDate: s.now()}
		var ok bool
		switch j.State {
		case jobdag.StateQueued:
			ok = s.transition(ctx, *j, []jobdag.State{jobdag.StateQueued}, jobdag.StateKilled, t)
		default:
			if err := s.dispatcher.Delete(ctx, j.ID); err != nil {
				logger.Error("Failed to delete aborted job", slog.String("error", err.Error()))
				continue
			}
			ok = s.transition(ctx, *j, active, jobdag.StateKilled, t)
		}
		if ok {
			s.clearAbort(ctx, id)
		}
	}
	return nil
}

func (s *Scheduler) clearAbort(ctx context.Context, id string) {
	if err := s.store.ClearAbort(ctx, id); err != nil {
		s.logger.Error("Failed to clear abort", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

// removeOrphans deletes workloads whose job is gone or already terminal.
func (s *Scheduler) removeOrphans(ctx context.Context) error {
	ids, err := s.dispatcher.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			s.logger.Error("Failed to load job of workload", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		if j != nil && !j.State.Terminal() {
			continue
		}
		s.logger.Info("Deleting orphaned workload", slog.String("job_id", id))
		if err := s.dispatcher.Delete(ctx, id); err != nil {
			s.logger.Error("Failed to delete orphaned workload", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}
	return nil
}
