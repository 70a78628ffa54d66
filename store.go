package jobdag

import (
	"context"
	"errors"
)

var (
	ErrCycleDetected = errors.New("jobdag: cycle detected, graph is not acyclic")
	ErrJobNotFound   = errors.New("jobdag: job not found")
	ErrBuildNotFound = errors.New("jobdag: build not found")
)

// JobStore defines the contract for persisting builds and jobs.
type JobStore interface {
	// Builds
	CreateBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, buildID string) (*Build, error)
	NextBuildNumber(ctx context.Context, projectID string) (int, error)

	// Jobs
	CreateJobs(ctx context.Context, jobs []Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobsByState(ctx context.Context, states ...State) ([]Job, error)
	ListBuildJobs(ctx context.Context, buildID string) ([]Job, error)

	// CompareAndSetState moves a job to next only if its current state is
	// one of expected. It returns false when another writer won.
	CompareAndSetState(ctx context.Context, jobID string, expected []State, next State, t Transition) (bool, error)

	// CompleteGraph stores jobs and moves the running Create Jobs job
	// creatorID to finished in one step. When the creator is no longer
	// running nothing is stored and it returns false.
	CompleteGraph(ctx context.Context, creatorID string, jobs []Job, t Transition) (bool, error)

	// Aborts
	RequestAbort(ctx context.Context, jobID string) error
	ListAborts(ctx context.Context) ([]string, error)
	ClearAbort(ctx context.Context, jobID string) error
}

// ClusterDirectory lists the clusters jobs can be placed on.
type ClusterDirectory interface {
	ListClusters(ctx context.Context) ([]Cluster, error)
	UpsertCluster(ctx context.Context, c Cluster) error
}

// Dispatcher turns a placement decision into a workload on the execution
// platform. Dispatch must be safe to repeat for the same job id and Delete
// must not fail when the workload is already gone.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
	Delete(ctx context.Context, jobID string) error
	ListActive(ctx context.Context) ([]string, error)
}

// Lease grants leadership to at most one scheduler replica at a time.
// Acquire renews the lease when already held.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
}

// GitClient checks out an external repository at a ref.
type GitClient interface {
	Clone(ctx context.Context, url, commit, branch, dir string) error
}
