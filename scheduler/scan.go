package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/meikuraledutech/jobdag"
)

const skipMessage = "Dependency conditions not met"

// jobCache holds the jobs loaded during one scan. Transitions made by the
// scan are written back so later jobs see them in the same iteration.
type jobCache map[string]*jobdag.Job

func (s *Scheduler) lookup(ctx context.Context, cache jobCache, id string) (*jobdag.Job, error) {
	if j, ok := cache[id]; ok {
		return j, nil
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = j
	return j, nil
}

// scan evaluates every queued job, oldest first.
func (s *Scheduler) scan(ctx context.Context) error {
	queued, err := s.store.ListJobsByState(ctx, jobdag.StateQueued)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}
	clusters, err := s.clusters.ListClusters(ctx)
	if err != nil {
		return err
	}

	cache := make(jobCache, len(queued))
	for i := range queued {
		cache[queued[i].ID] = &queued[i]
	}

	for i := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}
		j := &queued[i]
		if j.Kind == jobdag.KindCreateJobs {
			continue
		}
		logger := s.logger.With(slog.String("job_id", j.ID), slog.String("name", j.Name))

		parents := make(map[string]jobdag.State, len(j.Dependencies))
		lookupFailed := false
		for _, dep := range j.Dependencies {
			p, err := s.lookup(ctx, cache, dep.JobID)
			if err != nil {
				logger.Error("Failed to load parent job", slog.String("parent_id", dep.JobID), slog.String("error", err.Error()))
				lookupFailed = true
				break
			}
			if p != nil {
				parents[dep.JobID] = p.State
			}
		}
		if lookupFailed {
			continue
		}

		now := s.now()
		switch Resolve(*j, parents) {
		case Blocked:
		case Skip:
			if s.transition(ctx, *j, []jobdag.State{jobdag.StateQueued}, jobdag.StateSkipped,
				jobdag.Transition{Message: skipMessage, EndDate: now}) {
				j.State = jobdag.StateSkipped
			}
		case Ready:
			if j.Kind == jobdag.KindWait {
				if s.transition(ctx, *j, []jobdag.State{jobdag.StateQueued}, jobdag.StateFinished,
					jobdag.Transition{StartDate: now, EndDate: now}) {
					j.State = jobdag.StateFinished
				}
				continue
			}
			s.schedule(ctx, logger, cache, j, clusters)
		}
	}
	return nil
}

// schedule places and dispatches a ready job. Dispatch failures leave the
// job queued for the next iteration.
func (s *Scheduler) schedule(ctx context.Context, logger *slog.Logger, cache jobCache, j *jobdag.Job, clusters []jobdag.Cluster) {
	parent, err := s.parentCluster(ctx, cache, j)
	if err != nil {
		logger.Error("Failed to resolve parent cluster", slog.String("error", err.Error()))
		return
	}

	cluster, err := s.assigner.Assign(*j, parent, clusters)
	if err != nil {
		var perr *jobdag.PlacementError
		if errors.As(err, &perr) {
			logger.Warn("No cluster for job", slog.String("error", err.Error()))
			if s.transition(ctx, *j, []jobdag.State{jobdag.StateQueued}, jobdag.StateError,
				jobdag.Transition{Message: perr.Error(), EndDate: s.now()}) {
				j.State = jobdag.StateError
			}
			return
		}
		logger.Error("Cluster assignment failed", slog.String("error", err.Error()))
		return
	}

	req := s.dispatchRequest(*j, cluster)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	err = s.dispatcher.Dispatch(dctx, req)
	cancel()
	if err != nil {
		logger.Warn("Dispatch failed, retrying next iteration",
			slog.String("cluster", cluster),
			slog.String("error", err.Error()),
		)
		return
	}

	if !s.transition(ctx, *j, []jobdag.State{jobdag.StateQueued}, jobdag.StateScheduled, jobdag.Transition{Cluster: cluster}) {
		// someone else moved the job while it was dispatched
		if err := s.dispatcher.Delete(ctx, j.ID); err != nil {
			logger.Error("Failed to delete superseded workload", slog.String("error", err.Error()))
		}
		return
	}
	j.State = jobdag.StateScheduled
	j.Cluster = cluster
}

func (s *Scheduler) dispatchRequest(j jobdag.Job, cluster string) jobdag.DispatchRequest {
	env := make([]string, 0, len(j.Environment))
	for k, v := range j.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return jobdag.DispatchRequest{
		JobID:   j.ID,
		BuildID: j.BuildID,
		Cluster: cluster,
		Kind:    j.Kind,
		CPU:     j.Resources.CPU - s.cfg.CPUDiscount,
		Memory:  j.Resources.Memory + s.cfg.MemoryOverhead,
		Env:     env,
	}
}

// parentCluster returns the cluster of the nearest ancestor that ran
// somewhere. Wait jobs are looked through.
func (s *Scheduler) parentCluster(ctx context.Context, cache jobCache, j *jobdag.Job) (string, error) {
	seen := map[string]struct{}{j.ID: {}}
	queue := make([]string, 0, len(j.Dependencies))
	for _, d := range j.Dependencies {
		queue = append(queue, d.JobID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		p, err := s.lookup(ctx, cache, id)
		if err != nil {
			return "", err
		}
		if p == nil {
			continue
		}
		if p.Cluster != "" {
			return p.Cluster, nil
		}
		for _, d := range p.Dependencies {
			queue = append(queue, d.JobID)
		}
	}
	return "", nil
}
