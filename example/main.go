package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/expand"
	"github.com/meikuraledutech/jobdag/memory"
	"github.com/meikuraledutech/jobdag/scheduler"
)

const graph = `
version: 1
jobs:
  - type: docker-image
    name: compile
    image: golang:1.25
    resources: {limits: {cpu: 2, memory: 2048}}
  - type: workflow
    name: tests
    definition_file: tests.yaml
    depends_on: [compile]
  - type: docker-image
    name: publish
    image: alpine
    resources: {limits: {cpu: 1, memory: 512}}
    depends_on: [tests]
  - type: docker-image
    name: notify-failure
    image: alpine
    resources: {limits: {cpu: 1, memory: 512}}
    depends_on: [{job: tests, on: [failure, error]}]
`

const tests = `
version: 1
jobs:
  - {type: docker-image, name: unit, image: "golang:1.25", resources: {limits: {cpu: 2, memory: 1024}}}
  - {type: docker-image, name: lint, image: golangci/golangci-lint, resources: {limits: {cpu: 1, memory: 512}}}
`

// instantRunner reports every dispatched workload as finished on the next
// call to complete.
type instantRunner struct {
	store  jobdag.JobStore
	active map[string]string
}

func (r *instantRunner) Dispatch(ctx context.Context, req jobdag.DispatchRequest) error {
	fmt.Printf("dispatch %s to %s (cpu %.1f, memory %d MiB)\n", req.JobID, req.Cluster, req.CPU, req.Memory)
	r.active[req.JobID] = req.Cluster
	return nil
}

func (r *instantRunner) Delete(ctx context.Context, jobID string) error {
	delete(r.active, jobID)
	return nil
}

func (r *instantRunner) ListActive(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *instantRunner) complete(ctx context.Context) error {
	for id := range r.active {
		if _, err := r.store.CompareAndSetState(ctx, id,
			[]jobdag.State{jobdag.StateScheduled, jobdag.StateRunning},
			jobdag.StateFinished,
			jobdag.Transition{Message: "Exit code 0"},
		); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	root, err := os.MkdirTemp("", "jobdag-example")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(root)
	for name, content := range map[string]string{"jobgraph.yaml": graph, "tests.yaml": tests} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			log.Fatalf("write %s: %v", name, err)
		}
	}

	store := memory.New()
	if err := store.UpsertCluster(ctx, jobdag.Cluster{
		Name: "local", Labels: []string{scheduler.DefaultLabel},
		CPUCapacity: 8, MemoryCapacity: 16384, Active: true, Enabled: true,
	}); err != nil {
		log.Fatalf("cluster: %v", err)
	}

	// 1. Submit a build and expand its graph
	creator := expand.NewCreator(store, expand.New(nil, filepath.Join(root, "checkouts"), nil), nil)
	build, job, err := creator.Submit(ctx, "demo")
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	if err := creator.Run(ctx, *job, expand.Source{Root: root}); err != nil {
		log.Fatalf("create jobs: %v", err)
	}
	fmt.Printf("build %d created\n", build.Number)

	// 2. Drive the scheduler until nothing is left to do
	runner := &instantRunner{store: store, active: map[string]string{}}
	sched := scheduler.New(scheduler.Options{
		Store:      store,
		Clusters:   store,
		Dispatcher: runner,
		Assigner:   scheduler.NewAssigner(rand.New(rand.NewPCG(1, 2))),
		Config:     scheduler.DefaultConfig(),
	})
	for tick := 1; tick <= 10; tick++ {
		if err := sched.RunOnce(ctx); err != nil {
			log.Fatalf("tick %d: %v", tick, err)
		}
		if err := runner.complete(ctx); err != nil {
			log.Fatalf("complete: %v", err)
		}
		pending, err := store.ListJobsByState(ctx, jobdag.StateQueued, jobdag.StateScheduled, jobdag.StateRunning)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		if len(pending) == 0 {
			fmt.Printf("build settled after %d ticks\n", tick)
			break
		}
	}

	// 3. Show the outcome
	jobs, err := store.ListBuildJobs(ctx, build.ID)
	if err != nil {
		log.Fatalf("list build jobs: %v", err)
	}
	summary := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		summary = append(summary, map[string]any{
			"name": j.Name, "kind": j.Kind, "state": j.State, "cluster": j.Cluster, "message": j.Message,
		})
	}
	printJSON(summary)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
