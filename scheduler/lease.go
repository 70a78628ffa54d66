package scheduler

import "context"

// StaticLease always grants leadership. Use it for single-replica
// deployments.
type StaticLease struct{}

func (StaticLease) Acquire(ctx context.Context) (bool, error) {
	return true, nil
}
