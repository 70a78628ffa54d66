package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/expand"
	"github.com/meikuraledutech/jobdag/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoGit struct {
	files map[string]string
}

func (g repoGit) Clone(ctx context.Context, url, commit, branch, dir string) error {
	for name, content := range g.files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newApp(t *testing.T, store *memory.Store, git jobdag.GitClient) *fiber.App {
	t.Helper()
	creator := expand.NewCreator(store, expand.New(git, t.TempDir(), nil), nil)
	return New(Options{
		Store:    store,
		Clusters: store,
		Creator:  creator,
		Spawn:    func(f func()) { f() },
	})
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestValidateDefinition(t *testing.T) {
	app := newApp(t, memory.New(), nil)

	resp, body := do(t, app, "POST", "/definitions/validate",
		`{"version": 1, "jobs": [{"type": "wait", "name": "a"}, {"type": "wait", "name": "b", "depends_on": ["a"]}]}`)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"valid": true, "jobs": 2}`, string(body))

	resp, body = do(t, app, "POST", "/definitions/validate",
		`{"version": 1, "jobs": [{"type": "wait", "name": "a", "depends_on": ["a"]}]}`)
	assert.Equal(t, 422, resp.StatusCode)
	assert.JSONEq(t, `{"error": "Job 'a' may not depend on itself"}`, string(body))
}

func TestSubmitBuildCreatesJobs(t *testing.T) {
	store := memory.New()
	git := repoGit{files: map[string]string{
		"ci/graph.yaml": `
version: 1
jobs:
  - {type: wait, name: first}
  - {type: wait, name: second, depends_on: [first]}
`,
	}}
	app := newApp(t, store, git)

	resp, body := do(t, app, "POST", "/builds",
		`{"project_id": "p", "clone_url": "https://example.com/p.git", "commit": "abc", "definition_file": "ci/graph.yaml"}`)
	require.Equal(t, 201, resp.StatusCode, string(body))

	var out struct {
		Build jobdag.Build `json:"build"`
		Job   jobdag.Job   `json:"job"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Build.Number)
	assert.Equal(t, jobdag.KindCreateJobs, out.Job.Kind)

	resp, body = do(t, app, "GET", "/builds/"+out.Build.ID+"/jobs", "")
	require.Equal(t, 200, resp.StatusCode)
	var jobs []jobdag.Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 3)

	resp, body = do(t, app, "GET", "/jobs/"+out.Job.ID, "")
	require.Equal(t, 200, resp.StatusCode)
	var creator jobdag.Job
	require.NoError(t, json.Unmarshal(body, &creator))
	assert.Equal(t, jobdag.StateFinished, creator.State)
	assert.Equal(t, "Created 2 jobs", creator.Message)

	resp, _ = do(t, app, "GET", "/builds/"+out.Build.ID, "")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSubmitBuildRequiresSource(t *testing.T) {
	app := newApp(t, memory.New(), nil)

	resp, _ := do(t, app, "POST", "/builds", `{"project_id": "p"}`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = do(t, app, "POST", "/builds", `not json`)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestMissingResources(t *testing.T) {
	app := newApp(t, memory.New(), nil)

	for _, path := range []string{"/jobs/nope", "/builds/nope"} {
		resp, _ := do(t, app, "GET", path, "")
		assert.Equal(t, 404, resp.StatusCode, path)
	}
	resp, _ := do(t, app, "POST", "/jobs/nope/abort", "")
	assert.Equal(t, 404, resp.StatusCode)
	resp, _ = do(t, app, "POST", "/jobs/nope/state", `{"state": "running"}`)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestAbortRequest(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateJobs(context.Background(), []jobdag.Job{
		{ID: "j", Name: "j", Kind: jobdag.KindDocker, State: jobdag.StateRunning, BuildID: "b"},
	}))
	app := newApp(t, store, nil)

	resp, _ := do(t, app, "POST", "/jobs/j/abort", "")
	assert.Equal(t, 202, resp.StatusCode)

	// a later request reuses the request buffers
	resp, _ = do(t, app, "POST", "/jobs/x/abort", "")
	assert.Equal(t, 404, resp.StatusCode)
	resp, _ = do(t, app, "GET", "/jobs/k", "")
	assert.Equal(t, 404, resp.StatusCode)

	aborts, err := store.ListAborts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, aborts)
}

func TestReportState(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateJobs(context.Background(), []jobdag.Job{
		{ID: "j", Name: "j", Kind: jobdag.KindDocker, State: jobdag.StateScheduled, BuildID: "b", CreatedAt: time.Now()},
	}))
	app := newApp(t, store, nil)

	resp, _ := do(t, app, "POST", "/jobs/j/state", `{"state": "skipped"}`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = do(t, app, "POST", "/jobs/j/state", `{"state": "running"}`)
	assert.Equal(t, 204, resp.StatusCode)

	resp, _ = do(t, app, "POST", "/jobs/j/state", `{"state": "running"}`)
	assert.Equal(t, 409, resp.StatusCode)

	resp, _ = do(t, app, "POST", "/jobs/j/state", `{"state": "unstable", "message": "flaky tests"}`)
	assert.Equal(t, 204, resp.StatusCode)

	j, err := store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, jobdag.StateUnstable, j.State)
	assert.Equal(t, "flaky tests", j.Message)
	assert.NotNil(t, j.StartDate)
	assert.NotNil(t, j.EndDate)

	resp, _ = do(t, app, "POST", "/jobs/j/state", `{"state": "finished"}`)
	assert.Equal(t, 409, resp.StatusCode, "terminal jobs stay terminal")
}

func TestClusters(t *testing.T) {
	store := memory.New()
	app := newApp(t, store, nil)

	resp, _ := do(t, app, "PUT", "/clusters/east",
		`{"labels": ["default"], "cpu_capacity": 8, "memory_capacity": 4096, "active": true, "enabled": true}`)
	assert.Equal(t, 204, resp.StatusCode)

	resp, _ = do(t, app, "PUT", "/clusters/west", `{"cpu_capacity": -1}`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, body := do(t, app, "GET", "/clusters", "")
	require.Equal(t, 200, resp.StatusCode)
	var clusters []jobdag.Cluster
	require.NoError(t, json.Unmarshal(body, &clusters))
	assert.Equal(t, []jobdag.Cluster{{
		Name:           "east",
		Labels:         []string{"default"},
		CPUCapacity:    8,
		MemoryCapacity: 4096,
		Active:         true,
		Enabled:        true,
	}}, clusters)
}

func TestSchemaRoutesAreOptional(t *testing.T) {
	app := newApp(t, memory.New(), nil)
	resp, _ := do(t, app, "POST", "/schema", "")
	assert.Equal(t, 404, resp.StatusCode)
}
