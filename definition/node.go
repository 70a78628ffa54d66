package definition

import (
	"time"

	"github.com/meikuraledutech/jobdag"
)

// DefaultTimeout applies to workload jobs that declare none.
const DefaultTimeout = 3600

// DefaultGitDefinitionFile is looked up in a cloned repository when a git
// node names no definition file.
const DefaultGitDefinitionFile = "jobgraph.json"

// Document is a parsed job-graph document.
type Document struct {
	Version int    `yaml:"version" json:"version"`
	Jobs    []Node `yaml:"-" json:"jobs"`
}

// Node is one job of a document. The concrete types are DockerNode,
// DockerImageNode, DockerComposeNode, WaitNode, WorkflowNode and GitNode.
type Node interface {
	Base() *Common
	Kind() jobdag.Kind
	node()
}

// Common holds the fields every kind has.
type Common struct {
	Type      jobdag.Kind `yaml:"type" json:"type"`
	Name      string      `yaml:"name" json:"name"`
	DependsOn []DependsOn `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

func (c *Common) Base() *Common { return c }

// Limits is the resource limit of a workload job. Memory is in MiB.
type Limits struct {
	CPU    float64 `yaml:"cpu" json:"cpu"`
	Memory int64   `yaml:"memory" json:"memory"`
}

type ResourceSpec struct {
	Limits Limits `yaml:"limits" json:"limits"`
}

type ClusterSpec struct {
	Selector []string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Prefer   string   `yaml:"prefer,omitempty" json:"prefer,omitempty"`
}

type RepositorySpec struct {
	Clone       *bool `yaml:"clone,omitempty" json:"clone,omitempty"`
	Submodules  *bool `yaml:"submodules,omitempty" json:"submodules,omitempty"`
	FullHistory bool  `yaml:"full_history,omitempty" json:"full_history,omitempty"`
}

// Workload holds the fields shared by the kinds that run a container.
type Workload struct {
	Resources   ResourceSpec      `yaml:"resources" json:"resources"`
	Timeout     int               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Cluster     *ClusterSpec      `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	Repository  *RepositorySpec   `yaml:"repository,omitempty" json:"repository,omitempty"`
}

// TimeoutDuration returns the declared timeout or the default.
func (w *Workload) TimeoutDuration() time.Duration {
	if w.Timeout <= 0 {
		return DefaultTimeout * time.Second
	}
	return time.Duration(w.Timeout) * time.Second
}

// Placement converts the cluster block.
func (w *Workload) Placement() jobdag.Placement {
	if w.Cluster == nil {
		return jobdag.Placement{}
	}
	return jobdag.Placement{
		Selector: append([]string(nil), w.Cluster.Selector...),
		Prefer:   w.Cluster.Prefer,
	}
}

// DockerNode builds an image from a Dockerfile and runs it.
type DockerNode struct {
	Common         `yaml:",inline"`
	Workload       `yaml:",inline"`
	DockerFile     string            `yaml:"docker_file" json:"docker_file"`
	BuildContext   string            `yaml:"build_context,omitempty" json:"build_context,omitempty"`
	BuildOnly      bool              `yaml:"build_only,omitempty" json:"build_only,omitempty"`
	BuildArguments map[string]string `yaml:"build_arguments,omitempty" json:"build_arguments,omitempty"`
}

// DockerImageNode runs an existing image.
type DockerImageNode struct {
	Common   `yaml:",inline"`
	Workload `yaml:",inline"`
	Image    string   `yaml:"image" json:"image"`
	Command  []string `yaml:"command,omitempty" json:"command,omitempty"`
	Run      *bool    `yaml:"run,omitempty" json:"run,omitempty"`
}

// DockerComposeNode runs a compose file.
type DockerComposeNode struct {
	Common            `yaml:",inline"`
	Workload          `yaml:",inline"`
	DockerComposeFile string `yaml:"docker_compose_file" json:"docker_compose_file"`
}

// WaitNode joins its dependencies without running anything.
type WaitNode struct {
	Common `yaml:",inline"`
}

// WorkflowNode inlines another definition file of the same repository.
type WorkflowNode struct {
	Common         `yaml:",inline"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	DefinitionFile string            `yaml:"definition_file" json:"definition_file"`
}

// GitNode inlines the definition file of an external repository.
type GitNode struct {
	Common         `yaml:",inline"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	CloneURL       string            `yaml:"clone_url" json:"clone_url"`
	Commit         string            `yaml:"commit" json:"commit"`
	Branch         string            `yaml:"branch,omitempty" json:"branch,omitempty"`
	DefinitionFile string            `yaml:"definition_file,omitempty" json:"definition_file,omitempty"`
}

func (*DockerNode) Kind() jobdag.Kind        { return jobdag.KindDocker }
func (*DockerImageNode) Kind() jobdag.Kind   { return jobdag.KindDockerImage }
func (*DockerComposeNode) Kind() jobdag.Kind { return jobdag.KindDockerCompose }
func (*WaitNode) Kind() jobdag.Kind          { return jobdag.KindWait }
func (*WorkflowNode) Kind() jobdag.Kind      { return jobdag.KindWorkflow }
func (*GitNode) Kind() jobdag.Kind           { return jobdag.KindGit }

func (*DockerNode) node()        {}
func (*DockerImageNode) node()   {}
func (*DockerComposeNode) node() {}
func (*WaitNode) node()          {}
func (*WorkflowNode) node()      {}
func (*GitNode) node()           {}

// WorkloadOf returns the workload block of kinds that run a container.
func WorkloadOf(n Node) (*Workload, bool) {
	switch n := n.(type) {
	case *DockerNode:
		return &n.Workload, true
	case *DockerImageNode:
		return &n.Workload, true
	case *DockerComposeNode:
		return &n.Workload, true
	case *WaitNode, *WorkflowNode, *GitNode:
		return nil, false
	}
	return nil, false
}

// Environment returns the environment declared on n, if its kind has one.
func Environment(n Node) map[string]string {
	switch n := n.(type) {
	case *DockerNode:
		return n.Environment
	case *DockerImageNode:
		return n.Environment
	case *DockerComposeNode:
		return n.Environment
	case *WorkflowNode:
		return n.Environment
	case *GitNode:
		return n.Environment
	case *WaitNode:
		return nil
	}
	return nil
}

// Clone returns a deep enough copy of n for the expander to rename it and
// rewrite its dependencies and environment.
func Clone(n Node) Node {
	switch n := n.(type) {
	case *DockerNode:
		c := *n
		c.Common = n.Common.clone()
		c.Environment = cloneMap(n.Environment)
		return &c
	case *DockerImageNode:
		c := *n
		c.Common = n.Common.clone()
		c.Environment = cloneMap(n.Environment)
		return &c
	case *DockerComposeNode:
		c := *n
		c.Common = n.Common.clone()
		c.Environment = cloneMap(n.Environment)
		return &c
	case *WaitNode:
		c := *n
		c.Common = n.Common.clone()
		return &c
	case *WorkflowNode:
		c := *n
		c.Common = n.Common.clone()
		c.Environment = cloneMap(n.Environment)
		return &c
	case *GitNode:
		c := *n
		c.Common = n.Common.clone()
		c.Environment = cloneMap(n.Environment)
		return &c
	}
	return n
}

func (c Common) clone() Common {
	out := c
	if len(c.DependsOn) > 0 {
		out.DependsOn = make([]DependsOn, len(c.DependsOn))
		for i, d := range c.DependsOn {
			out.DependsOn[i] = DependsOn{Job: d.Job, On: append([]string(nil), d.On...)}
		}
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
