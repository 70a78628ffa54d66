package expand

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meikuraledutech/jobdag"
)

// CreateJobsTimeout bounds a whole graph expansion.
const CreateJobsTimeout = 10 * time.Minute

// DefaultDefinitionFile is expanded when a Source names no file.
const DefaultDefinitionFile = "jobgraph.yaml"

// Source locates the root definition file of a build. A non-empty CloneURL
// is checked out first and Root is ignored.
type Source struct {
	Root     string
	CloneURL string
	Commit   string
	Branch   string
	File     string
}

// Creator submits builds and runs their "Create Jobs" job.
type Creator struct {
	store    jobdag.JobStore
	expander *Expander
	logger   *slog.Logger

	newID func() string
	now   func() time.Time
}

func NewCreator(store jobdag.JobStore, expander *Expander, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		store:    store,
		expander: expander,
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Submit creates the next build of project together with its queued
// "Create Jobs" job.
func (c *Creator) Submit(ctx context.Context, projectID string) (*jobdag.Build, *jobdag.Job, error) {
	number, err := c.store.NextBuildNumber(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	now := c.now()
	build := &jobdag.Build{
		ID:        c.newID(),
		ProjectID: projectID,
		Number:    number,
		CreatedAt: now,
	}
	if err := c.store.CreateBuild(ctx, build); err != nil {
		return nil, nil, err
	}

	job := jobdag.Job{
		ID:        c.newID(),
		Name:      jobdag.CreateJobsName,
		Kind:      jobdag.KindCreateJobs,
		State:     jobdag.StateQueued,
		BuildID:   build.ID,
		ProjectID: projectID,
		Timeout:   CreateJobsTimeout,
		CreatedAt: now,
	}
	if err := c.store.CreateJobs(ctx, []jobdag.Job{job}); err != nil {
		return nil, nil, err
	}
	c.logger.Info("Build submitted",
		slog.String("build_id", build.ID),
		slog.String("project_id", projectID),
		slog.Int("build_number", number),
	)
	return build, &job, nil
}

// Run executes the "Create Jobs" job: it expands the definition file of src
// and stores every resulting job at once. Expansion failures mark the job as
// error with the failure message. A job aborted while expanding stores
// nothing.
func (c *Creator) Run(ctx context.Context, job jobdag.Job, src Source) error {
	logger := c.logger.With(slog.String("job_id", job.ID), slog.String("build_id", job.BuildID))

	ok, err := c.store.CompareAndSetState(ctx, job.ID,
		[]jobdag.State{jobdag.StateQueued, jobdag.StateScheduled},
		jobdag.StateRunning,
		jobdag.Transition{StartDate: c.now()},
	)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("Create Jobs no longer queued, not expanding")
		return nil
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = CreateJobsTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobs, err := c.create(ctx, job, src)
	if err != nil {
		logger.Error("Job graph expansion failed", slog.String("error", err.Error()))
		if _, casErr := c.store.CompareAndSetState(context.WithoutCancel(ctx), job.ID,
			[]jobdag.State{jobdag.StateRunning},
			jobdag.StateError,
			jobdag.Transition{Message: err.Error(), EndDate: c.now()},
		); casErr != nil {
			return fmt.Errorf("jobdag: mark create jobs failed: %w", casErr)
		}
		return err
	}

	ok, err = c.store.CompleteGraph(ctx, job.ID, jobs, jobdag.Transition{
		Message: fmt.Sprintf("Created %d jobs", len(jobs)),
		EndDate: c.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("Create Jobs no longer running, discarding job graph", slog.Int("jobs", len(jobs)))
		return nil
	}
	logger.Info("Job graph created", slog.Int("jobs", len(jobs)))
	return nil
}

func (c *Creator) create(ctx context.Context, job jobdag.Job, src Source) ([]jobdag.Job, error) {
	repo := RepoContext{Root: src.Root}
	if src.CloneURL != "" {
		var err error
		if repo, err = c.expander.Checkout(ctx, src.CloneURL, src.Commit, src.Branch); err != nil {
			return nil, err
		}
	}
	file := src.File
	if file == "" {
		file = DefaultDefinitionFile
	}

	reqs, err := c.expander.ExpandFile(ctx, repo, file)
	if err != nil {
		return nil, err
	}
	build, err := c.store.GetBuild(ctx, job.BuildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, jobdag.ErrBuildNotFound
	}
	return Materialize(*build, reqs, c.newID, c.now())
}
