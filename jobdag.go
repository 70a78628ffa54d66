package jobdag

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a Job.
type State string

const (
	StateQueued    State = "queued"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateError     State = "error"
	StateFailure   State = "failure"
	StateKilled    State = "killed"
	StateUnstable  State = "unstable"
	StateSkipped   State = "skipped"
)

// TerminalStates is the set a job can end in. The `*` condition alias
// expands to exactly this list.
var TerminalStates = []State{
	StateFinished,
	StateError,
	StateFailure,
	StateUnstable,
	StateSkipped,
	StateKilled,
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	for _, t := range TerminalStates {
		if s == t {
			return true
		}
	}
	return false
}

// Kind identifies what a job does.
type Kind string

const (
	KindDocker        Kind = "docker"
	KindDockerImage   Kind = "docker-image"
	KindDockerCompose Kind = "docker-compose"
	KindWait          Kind = "wait"
	KindGit           Kind = "git"
	KindWorkflow      Kind = "workflow"

	// KindCreateJobs is the runtime-only kind of the job that expands a
	// build's graph document.
	KindCreateJobs Kind = "create-jobs"
)

// CreateJobsName is reserved for the graph expansion job of every build.
const CreateJobsName = "Create Jobs"

// Resources is a job's resource limit. Memory is in MiB.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// Placement carries the cluster constraints declared on a job.
type Placement struct {
	Selector []string `json:"selector,omitempty"`
	Prefer   string   `json:"prefer,omitempty"`
}

// Dependency is a resolved edge to a parent job. On lists the parent
// terminal states under which the child may run.
type Dependency struct {
	JobID string  `json:"job_id"`
	On    []State `json:"on"`
}

// Allows reports whether the parent state satisfies the edge.
func (d Dependency) Allows(s State) bool {
	for _, on := range d.On {
		if on == s {
			return true
		}
	}
	return false
}

// Job is the runtime entity created once per expanded graph node.
// Definition is the frozen node the job was created from.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         Kind              `json:"kind"`
	State        State             `json:"state"`
	BuildID      string            `json:"build_id"`
	ProjectID    string            `json:"project_id"`
	Dependencies []Dependency      `json:"dependencies"`
	Cluster      string            `json:"cluster,omitempty"`
	Resources    Resources         `json:"resources"`
	Placement    Placement         `json:"placement"`
	Timeout      time.Duration     `json:"timeout"`
	Environment  map[string]string `json:"environment,omitempty"`
	Definition   json.RawMessage   `json:"definition,omitempty"`
	Message      string            `json:"message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartDate    *time.Time        `json:"start_date,omitempty"`
	EndDate      *time.Time        `json:"end_date,omitempty"`
}

// Build groups the jobs created from one trigger.
type Build struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Number         int       `json:"build_number"`
	RestartCounter int       `json:"restart_counter"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cluster is a labelled resource pool. The capacities are what the cluster
// currently reports as spare.
type Cluster struct {
	Name           string   `json:"name"`
	Labels         []string `json:"labels"`
	CPUCapacity    float64  `json:"cpu_capacity"`
	MemoryCapacity int64    `json:"memory_capacity"`
	Active         bool     `json:"active"`
	Enabled        bool     `json:"enabled"`
}

// Eligible reports whether jobs may be placed on the cluster.
func (c Cluster) Eligible() bool {
	return c.Active && c.Enabled
}

// HasLabels reports whether the cluster carries every given label.
func (c Cluster) HasLabels(labels []string) bool {
	have := make(map[string]struct{}, len(c.Labels))
	for _, l := range c.Labels {
		have[l] = struct{}{}
	}
	for _, l := range labels {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// Transition holds the columns written together with a state change.
// Zero values leave the stored value untouched.
type Transition struct {
	Message   string
	Cluster   string
	StartDate time.Time
	EndDate   time.Time
}

// DispatchRequest describes the workload the execution platform must run.
// CPU and Memory are already shaped by the scheduler.
type DispatchRequest struct {
	JobID   string
	BuildID string
	Cluster string
	Kind    Kind
	CPU     float64
	Memory  int64
	Env     []string
}
