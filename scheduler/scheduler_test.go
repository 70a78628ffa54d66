package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	dispatched  []jobdag.DispatchRequest
	active      map[string]struct{}
	deleted     []string
	dispatchErr error
	deleteErr   error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{active: make(map[string]struct{})}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req jobdag.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.dispatched = append(d.dispatched, req)
	d.active[req.JobID] = struct{}{}
	return nil
}

func (d *fakeDispatcher) Delete(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, jobID)
	delete(d.active, jobID)
	return nil
}

func (d *fakeDispatcher) ListActive(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.active))
	for id := range d.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type harness struct {
	store      *memory.Store
	dispatcher *fakeDispatcher
	sched      *Scheduler
	now        time.Time
	created    time.Time
}

func newHarness(t *testing.T, clusters ...jobdag.Cluster) *harness {
	t.Helper()
	h := &harness{
		store:      memory.New(),
		dispatcher: newFakeDispatcher(),
		now:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.created = h.now.Add(-time.Hour)
	if len(clusters) == 0 {
		clusters = []jobdag.Cluster{cluster("main", 8, 8192, "default")}
	}
	for _, c := range clusters {
		require.NoError(t, h.store.UpsertCluster(context.Background(), c))
	}
	h.sched = New(Options{
		Store:      h.store,
		Clusters:   h.store,
		Dispatcher: h.dispatcher,
		Assigner:   seeded(7),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:     DefaultConfig(),
	})
	h.sched.now = func() time.Time { return h.now }
	return h
}

// add stores jobs in the given order; earlier jobs are older.
func (h *harness) add(t *testing.T, jobs ...jobdag.Job) {
	t.Helper()
	for i := range jobs {
		h.created = h.created.Add(time.Second)
		jobs[i].CreatedAt = h.created
		jobs[i].BuildID = "build"
		if jobs[i].Name == "" {
			jobs[i].Name = jobs[i].ID
		}
	}
	require.NoError(t, h.store.CreateJobs(context.Background(), jobs))
}

func (h *harness) state(t *testing.T, id string) jobdag.State {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j.State
}

func (h *harness) job(t *testing.T, id string) *jobdag.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func work(id string, state jobdag.State, deps ...jobdag.Dependency) jobdag.Job {
	return jobdag.Job{
		ID:           id,
		Kind:         jobdag.KindDockerImage,
		State:        state,
		Dependencies: deps,
		Resources:    jobdag.Resources{CPU: 1, Memory: 512},
		Timeout:      time.Hour,
	}
}

func wait(id string, state jobdag.State, deps ...jobdag.Dependency) jobdag.Job {
	return jobdag.Job{ID: id, Kind: jobdag.KindWait, State: state, Dependencies: deps}
}

func TestFinishedParentMakesChildReady(t *testing.T) {
	h := newHarness(t)
	h.add(t,
		work("a", jobdag.StateFinished),
		work("b", jobdag.StateQueued, dependsOn("a")),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, jobdag.StateScheduled, h.state(t, "b"))
	require.Len(t, h.dispatcher.dispatched, 1)
	assert.Equal(t, "b", h.dispatcher.dispatched[0].JobID)
}

func TestFailedParentSkipsChild(t *testing.T) {
	h := newHarness(t)
	h.add(t,
		work("a", jobdag.StateFailure),
		work("b", jobdag.StateQueued, dependsOn("a")),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, jobdag.StateSkipped, h.state(t, "b"))
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestSkipPropagates(t *testing.T) {
	h := newHarness(t)
	h.add(t,
		work("a", jobdag.StateFailure),
		work("b", jobdag.StateQueued, dependsOn("a")),
		work("c", jobdag.StateQueued, dependsOn("b")),
		wait("cleanup", jobdag.StateQueued, dependsOn("b", jobdag.StateSkipped)),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, jobdag.StateSkipped, h.state(t, "b"))
	assert.Equal(t, jobdag.StateSkipped, h.state(t, "c"))
	assert.Equal(t, jobdag.StateFinished, h.state(t, "cleanup"))
}

func TestWaitJobFinishesWithoutDispatch(t *testing.T) {
	h := newHarness(t)
	h.add(t,
		work("a", jobdag.StateFinished),
		work("b", jobdag.StateUnstable),
		wait("join", jobdag.StateQueued, dependsOn("a"), dependsOn("b", jobdag.TerminalStates...)),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	j := h.job(t, "join")
	assert.Equal(t, jobdag.StateFinished, j.State)
	require.NotNil(t, j.StartDate)
	require.NotNil(t, j.EndDate)
	assert.True(t, j.StartDate.Equal(h.now))
	assert.True(t, j.EndDate.Equal(h.now))
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestBlockedJobIsLeftQueued(t *testing.T) {
	h := newHarness(t)
	h.add(t,
		work("a", jobdag.StateRunning),
		work("b", jobdag.StateQueued, dependsOn("a")),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateQueued, h.state(t, "b"))
}

func TestDispatchShapesResources(t *testing.T) {
	h := newHarness(t,
		cluster("main", 8, 8192, "default"),
		cluster("edge", 2, 2048),
	)
	parent := work("a", jobdag.StateFinished)
	parent.Cluster = "edge"
	child := work("b", jobdag.StateQueued, dependsOn("a"))
	child.Resources = jobdag.Resources{CPU: 2, Memory: 1024}
	child.Environment = map[string]string{"ZED": "1", "ALPHA": "2"}
	h.add(t, parent, child)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	require.Len(t, h.dispatcher.dispatched, 1)
	req := h.dispatcher.dispatched[0]
	assert.Equal(t, "edge", req.Cluster, "child inherits the parent's cluster")
	assert.InDelta(t, 1.8, req.CPU, 1e-9)
	assert.Equal(t, int64(1280), req.Memory)
	assert.Equal(t, []string{"ALPHA=2", "ZED=1"}, req.Env)
	assert.Equal(t, "build", req.BuildID)
	assert.Equal(t, jobdag.KindDockerImage, req.Kind)

	b := h.job(t, "b")
	assert.Equal(t, jobdag.StateScheduled, b.State)
	assert.Equal(t, "edge", b.Cluster)
}

func TestClusterInheritedThroughWaitJob(t *testing.T) {
	h := newHarness(t,
		cluster("main", 8, 8192, "default"),
		cluster("edge", 2, 2048),
	)
	parent := work("a", jobdag.StateFinished)
	parent.Cluster = "edge"
	h.add(t,
		parent,
		wait("join", jobdag.StateQueued, dependsOn("a")),
		work("b", jobdag.StateQueued, dependsOn("join")),
	)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, jobdag.StateFinished, h.state(t, "join"))
	assert.Equal(t, "edge", h.job(t, "b").Cluster)
}

func TestPlacementErrorMarksJobError(t *testing.T) {
	h := newHarness(t)
	j := work("a", jobdag.StateQueued)
	j.Placement.Selector = []string{"gpu"}
	h.add(t, j, work("b", jobdag.StateQueued))

	require.NoError(t, h.sched.RunOnce(context.Background()))

	a := h.job(t, "a")
	assert.Equal(t, jobdag.StateError, a.State)
	assert.Equal(t, "No cluster available for selector [gpu]", a.Message)
	assert.Equal(t, jobdag.StateScheduled, h.state(t, "b"), "other jobs are still scheduled")
}

func TestDispatchFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.add(t, work("a", jobdag.StateQueued))

	h.dispatcher.dispatchErr = errors.New("platform unavailable")
	require.NoError(t, h.sched.RunOnce(context.Background()))
	a := h.job(t, "a")
	assert.Equal(t, jobdag.StateQueued, a.State)
	assert.Empty(t, a.Message, "transient errors are not shown to the user")

	h.dispatcher.dispatchErr = nil
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateScheduled, h.state(t, "a"))
}

func TestCreateJobsIsNeverDispatched(t *testing.T) {
	h := newHarness(t)
	h.add(t, jobdag.Job{ID: "create", Name: jobdag.CreateJobsName, Kind: jobdag.KindCreateJobs, State: jobdag.StateQueued})

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateQueued, h.state(t, "create"))
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)
	started := h.now.Add(-2 * time.Hour)
	late := work("late", jobdag.StateRunning)
	late.StartDate = &started
	recent := h.now.Add(-time.Minute)
	fine := work("fine", jobdag.StateRunning)
	fine.StartDate = &recent
	h.add(t, late, fine)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	j := h.job(t, "late")
	assert.Equal(t, jobdag.StateError, j.State)
	assert.Equal(t, "Timeout after 1h0m0s", j.Message)
	assert.Equal(t, []string{"late"}, h.dispatcher.deleted)
	assert.Equal(t, jobdag.StateRunning, h.state(t, "fine"))
}

func TestTimeoutRetriedWhenDeleteFails(t *testing.T) {
	h := newHarness(t)
	started := h.now.Add(-2 * time.Hour)
	late := work("late", jobdag.StateRunning)
	late.StartDate = &started
	h.add(t, late)

	h.dispatcher.deleteErr = errors.New("api down")
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateRunning, h.state(t, "late"))

	h.dispatcher.deleteErr = nil
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateError, h.state(t, "late"))
}

func TestAbortQueuedJobIsNeverDispatched(t *testing.T) {
	h := newHarness(t)
	h.add(t, work("a", jobdag.StateQueued))
	ctx := context.Background()
	require.NoError(t, h.store.RequestAbort(ctx, "a"))

	require.NoError(t, h.sched.RunOnce(ctx))

	assert.Equal(t, jobdag.StateKilled, h.state(t, "a"))
	assert.Empty(t, h.dispatcher.dispatched)
	assert.Empty(t, h.dispatcher.deleted)
	aborts, err := h.store.ListAborts(ctx)
	require.NoError(t, err)
	assert.Empty(t, aborts)
}

func TestAbortRunningJobDeletesWorkload(t *testing.T) {
	h := newHarness(t)
	h.add(t, work("a", jobdag.StateRunning), work("b", jobdag.StateScheduled))
	h.dispatcher.active["a"] = struct{}{}
	h.dispatcher.active["b"] = struct{}{}
	ctx := context.Background()
	require.NoError(t, h.store.RequestAbort(ctx, "a"))
	require.NoError(t, h.store.RequestAbort(ctx, "b"))

	require.NoError(t, h.sched.RunOnce(ctx))

	assert.Equal(t, jobdag.StateKilled, h.state(t, "a"))
	assert.Equal(t, jobdag.StateKilled, h.state(t, "b"))
	assert.ElementsMatch(t, []string{"a", "b"}, h.dispatcher.deleted)
}

func TestAbortOfTerminalJobIsCleared(t *testing.T) {
	h := newHarness(t)
	h.add(t, work("a", jobdag.StateFinished))
	ctx := context.Background()
	require.NoError(t, h.store.RequestAbort(ctx, "a"))

	require.NoError(t, h.sched.RunOnce(ctx))

	assert.Equal(t, jobdag.StateFinished, h.state(t, "a"))
	aborts, err := h.store.ListAborts(ctx)
	require.NoError(t, err)
	assert.Empty(t, aborts)
}

func TestOrphanedWorkloadsAreDeleted(t *testing.T) {
	h := newHarness(t)
	h.add(t, work("done", jobdag.StateFinished), work("busy", jobdag.StateRunning))
	for _, id := range []string{"done", "busy", "ghost"} {
		h.dispatcher.active[id] = struct{}{}
	}

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.ElementsMatch(t, []string{"done", "ghost"}, h.dispatcher.deleted)
	active, err := h.dispatcher.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, active)
}

func TestOnlyLeaderSchedules(t *testing.T) {
	newLease := memory.NewLeaseGroup(time.Minute)
	other := newLease("other")
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	h := newHarness(t)
	h.sched.lease = newLease("me")
	h.add(t, work("a", jobdag.StateQueued))

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, jobdag.StateQueued, h.state(t, "a"))
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.Interval = 10 * time.Millisecond
	h.add(t, work("a", jobdag.StateQueued))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), "a")
		return err == nil && j.State == jobdag.StateScheduled
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
