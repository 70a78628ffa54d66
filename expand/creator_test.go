package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/definition"
	"github.com/meikuraledutech/jobdag/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func waitNode(name string) definition.Node {
	return &definition.WaitNode{Common: definition.Common{Type: jobdag.KindWait, Name: name}}
}

func TestMaterialize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "jobgraph.yaml", `
version: 1
jobs:
  - type: docker-image
    name: compile
    image: golang
    timeout: 120
    resources: {limits: {cpu: 2, memory: 1024}}
    cluster: {selector: [gpu], prefer: big}
  - {type: wait, name: gate, depends_on: [{job: compile, on: [failure]}]}
`)
	reqs, err := New(nil, t.TempDir(), nil).ExpandFile(context.Background(), RepoContext{Root: root}, "jobgraph.yaml")
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs, err := Materialize(jobdag.Build{ID: "b", ProjectID: "p"}, reqs, sequentialIDs(), now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	compile, gate := jobs[0], jobs[1]
	assert.Equal(t, "id-1", compile.ID)
	assert.Equal(t, jobdag.StateQueued, compile.State)
	assert.Equal(t, jobdag.Resources{CPU: 2, Memory: 1024}, compile.Resources)
	assert.Equal(t, jobdag.Placement{Selector: []string{"gpu"}, Prefer: "big"}, compile.Placement)
	assert.Equal(t, 120*time.Second, compile.Timeout)
	assert.Equal(t, "p", compile.ProjectID)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(compile.Definition, &snapshot))
	assert.Equal(t, "golang", snapshot["image"])

	assert.Equal(t, jobdag.KindWait, gate.Kind)
	assert.Equal(t, []jobdag.Dependency{{JobID: "id-1", On: []jobdag.State{jobdag.StateFailure}}}, gate.Dependencies)
	assert.True(t, gate.CreatedAt.After(compile.CreatedAt))
}

func TestMaterializeRejectsDuplicateNames(t *testing.T) {
	reqs := []Request{{Name: "a", Node: waitNode("a")}, {Name: "a", Node: waitNode("a")}}
	_, err := Materialize(jobdag.Build{ID: "b"}, reqs, sequentialIDs(), time.Now())
	assert.ErrorContains(t, err, "Job name 'a' already exists")
}

func newCreator(t *testing.T, store *memory.Store) *Creator {
	t.Helper()
	c := NewCreator(store, New(nil, t.TempDir(), nil), nil)
	c.newID = sequentialIDs()
	return c
}

func TestCreatorRunCreatesAllJobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "jobgraph.yaml", `
version: 1
jobs:
  - {type: wait, name: a}
  - {type: wait, name: b, depends_on: [a]}
`)
	store := memory.New()
	ctx := context.Background()
	c := newCreator(t, store)

	build, job, err := c.Submit(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, build.Number)
	assert.Equal(t, jobdag.CreateJobsName, job.Name)
	assert.Equal(t, jobdag.StateQueued, job.State)

	require.NoError(t, c.Run(ctx, *job, Source{Root: root}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdag.StateFinished, got.State)
	assert.Equal(t, "Created 2 jobs", got.Message)
	require.NotNil(t, got.StartDate)
	require.NotNil(t, got.EndDate)

	jobs, err := store.ListBuildJobs(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[1].Name)
	assert.Equal(t, "b", jobs[2].Name)
	assert.Equal(t, jobs[1].ID, jobs[2].Dependencies[0].JobID)

	second, _, err := c.Submit(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)
}

func TestCreatorRunRecordsExpansionFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.yaml", "version: 1\njobs:\n  - {type: workflow, name: b, definition_file: b.yaml}\n")
	writeFile(t, root, "b.yaml", "version: 1\njobs:\n  - {type: workflow, name: a, definition_file: a.yaml}\n")

	store := memory.New()
	ctx := context.Background()
	c := newCreator(t, store)

	build, job, err := c.Submit(ctx, "proj")
	require.NoError(t, err)

	err = c.Run(ctx, *job, Source{Root: root, File: "a.yaml"})
	require.Error(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdag.StateError, got.State)
	assert.Contains(t, got.Message, "Recursive include detected")

	jobs, err := store.ListBuildJobs(ctx, build.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "no job is created when expansion fails")
}

func TestCreatorRunSkipsAbortedJob(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	c := newCreator(t, store)

	_, job, err := c.Submit(ctx, "proj")
	require.NoError(t, err)
	ok, err := store.CompareAndSetState(ctx, job.ID, []jobdag.State{jobdag.StateQueued}, jobdag.StateKilled, jobdag.Transition{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Run(ctx, *job, Source{Root: t.TempDir()}))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdag.StateKilled, got.State)
}

func TestCreatorRunFromRepository(t *testing.T) {
	git := &fakeGit{files: map[string]string{
		"ci/graph.yaml": "version: 1\njobs:\n  - {type: wait, name: only}\n",
	}}
	store := memory.New()
	ctx := context.Background()
	c := NewCreator(store, New(git, t.TempDir(), nil), nil)

	build, job, err := c.Submit(ctx, "proj")
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, *job, Source{CloneURL: "https://example.com/app.git", Commit: "abc", File: "ci/graph.yaml"}))
	assert.Equal(t, 1, git.clones)

	jobs, err := store.ListBuildJobs(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "only", jobs[1].Name)
}

// abortingGit aborts the Create Jobs job while its repository is cloned.
type abortingGit struct {
	fakeGit
	during func()
}

func (g *abortingGit) Clone(ctx context.Context, url, commit, branch, dir string) error {
	g.during()
	return g.fakeGit.Clone(ctx, url, commit, branch, dir)
}

func TestCreatorRunDiscardsGraphOfJobAbortedWhileExpanding(t *testing.T) {
	git := &abortingGit{fakeGit: fakeGit{files: map[string]string{
		"jobgraph.yaml": "version: 1\njobs:\n  - {type: wait, name: a}\n",
	}}}
	store := memory.New()
	ctx := context.Background()
	c := NewCreator(store, New(git, t.TempDir(), nil), nil)

	build, job, err := c.Submit(ctx, "proj")
	require.NoError(t, err)
	git.during = func() {
		ok, err := store.CompareAndSetState(ctx, job.ID,
			[]jobdag.State{jobdag.StateRunning}, jobdag.StateKilled, jobdag.Transition{Message: "Aborted"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, c.Run(ctx, *job, Source{CloneURL: "https://example.com/app.git", Commit: "abc"}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdag.StateKilled, got.State)
	assert.Equal(t, "Aborted", got.Message)

	jobs, err := store.ListBuildJobs(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "an aborted build gets no jobs")
	assert.Equal(t, jobdag.KindCreateJobs, jobs[0].Kind)
}
