package definition

import (
	"regexp"

	"github.com/meikuraledutech/jobdag"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Validate checks the document statically: names, kinds, resources,
// dependency conditions, references and cycles.
func (d *Document) Validate() error {
	if d.Version != 1 {
		return jobdag.Validationf("Unsupported version '%d'", d.Version)
	}
	if len(d.Jobs) == 0 {
		return jobdag.Validationf("No jobs defined")
	}

	names := make(map[string]struct{}, len(d.Jobs))
	for _, n := range d.Jobs {
		name := n.Base().Name
		if name == jobdag.CreateJobsName {
			return jobdag.Validationf("'%s' is a reserved name", jobdag.CreateJobsName)
		}
		if !namePattern.MatchString(name) {
			return jobdag.Validationf("'%s' not a valid job name", name)
		}
		if _, dup := names[name]; dup {
			return jobdag.Validationf("Job name '%s' already exists", name)
		}
		names[name] = struct{}{}

		if err := validateNode(n); err != nil {
			return err
		}
	}

	for _, n := range d.Jobs {
		base := n.Base()
		for _, dep := range base.DependsOn {
			if dep.Job == base.Name {
				return jobdag.Validationf("Job '%s' may not depend on itself", base.Name)
			}
			if _, ok := names[dep.Job]; !ok {
				return jobdag.Validationf("Job '%s' has dependency on non existing job '%s'", base.Name, dep.Job)
			}
		}
	}

	return detectCycles(d.Jobs)
}

func validateNode(n Node) error {
	base := n.Base()
	if err := validateDependsOn(base); err != nil {
		return err
	}

	switch n := n.(type) {
	case *DockerNode:
		if n.DockerFile == "" {
			return jobdag.Validationf("Job '%s': 'docker_file' must not be empty", n.Name)
		}
		return validateWorkload(n.Name, &n.Workload)
	case *DockerImageNode:
		if n.Image == "" {
			return jobdag.Validationf("Job '%s': 'image' must not be empty", n.Name)
		}
		return validateWorkload(n.Name, &n.Workload)
	case *DockerComposeNode:
		if n.DockerComposeFile == "" {
			return jobdag.Validationf("Job '%s': 'docker_compose_file' must not be empty", n.Name)
		}
		return validateWorkload(n.Name, &n.Workload)
	case *WaitNode:
		return nil
	case *WorkflowNode:
		if n.DefinitionFile == "" {
			return jobdag.Validationf("Job '%s': 'definition_file' must not be empty", n.Name)
		}
		return nil
	case *GitNode:
		if n.CloneURL == "" {
			return jobdag.Validationf("Job '%s': 'clone_url' must not be empty", n.Name)
		}
		if n.Commit == "" {
			return jobdag.Validationf("Job '%s': 'commit' must not be empty", n.Name)
		}
		return nil
	}
	return jobdag.Validationf("Job '%s': unsupported type '%s'", base.Name, base.Type)
}

func validateWorkload(name string, w *Workload) error {
	if w.Resources.Limits.CPU <= 0.3 {
		return jobdag.Validationf("Job '%s': resources.limits.cpu must be greater than 0.3", name)
	}
	if w.Resources.Limits.Memory <= 255 {
		return jobdag.Validationf("Job '%s': resources.limits.memory must be greater than 255", name)
	}
	if w.Timeout < 0 {
		return jobdag.Validationf("Job '%s': timeout must be positive", name)
	}
	if w.Cluster != nil && len(w.Cluster.Selector) == 0 && w.Cluster.Prefer == "" {
		return jobdag.Validationf("Job '%s': cluster needs a selector or a preferred cluster", name)
	}
	return nil
}

func validateDependsOn(base *Common) error {
	for _, dep := range base.DependsOn {
		if dep.Job == "" {
			return jobdag.Validationf("Job '%s': dependency without job name", base.Name)
		}
		if len(dep.On) == 0 {
			return jobdag.Validationf("Job '%s': 'on' of dependency '%s' must not be empty", base.Name, dep.Job)
		}
		seen := make(map[string]struct{}, len(dep.On))
		for _, on := range dep.On {
			if !validCondition(on) {
				return jobdag.Validationf("Job '%s': '%s' is not a valid value for 'on'", base.Name, on)
			}
			if _, dup := seen[on]; dup {
				return jobdag.Validationf("Job '%s': '%s' appears more than once in 'on'", base.Name, on)
			}
			seen[on] = struct{}{}
		}
	}
	return nil
}

// detectCycles computes, for every job, the transitive closure of its
// dependency names and fails when the job reaches itself.
func detectCycles(jobs []Node) error {
	adj := make(map[string][]string, len(jobs))
	for _, n := range jobs {
		base := n.Base()
		for _, dep := range base.DependsOn {
			adj[base.Name] = append(adj[base.Name], dep.Job)
		}
	}

	for _, n := range jobs {
		name := n.Base().Name
		visited := make(map[string]struct{})
		queue := append([]string(nil), adj[name]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur == name {
				return &jobdag.ValidationError{
					Msg: "Cycle found in job graph: '" + name + "'",
					Err: jobdag.ErrCycleDetected,
				}
			}
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}
			queue = append(queue, adj[cur]...)
		}
	}
	return nil
}
