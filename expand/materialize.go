package expand

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/definition"
)

// Materialize turns expanded requests into queued jobs of build. Names are
// resolved to the generated ids; creation times increase in request order
// so the scheduler scans them in declaration order.
func Materialize(build jobdag.Build, reqs []Request, newID func() string, now time.Time) ([]jobdag.Job, error) {
	ids := make(map[string]string, len(reqs))
	for _, r := range reqs {
		if _, dup := ids[r.Name]; dup {
			return nil, &jobdag.ExpansionError{Msg: fmt.Sprintf("Job name '%s' already exists", r.Name)}
		}
		ids[r.Name] = newID()
	}

	jobs := make([]jobdag.Job, 0, len(reqs))
	for i, r := range reqs {
		job := jobdag.Job{
			ID:          ids[r.Name],
			Name:        r.Name,
			Kind:        r.Node.Kind(),
			State:       jobdag.StateQueued,
			BuildID:     build.ID,
			ProjectID:   build.ProjectID,
			Environment: cloneEnv(r.Environment),
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		}

		for _, d := range r.Dependencies {
			parent, ok := ids[d.Name]
			if !ok {
				return nil, &jobdag.ExpansionError{Msg: fmt.Sprintf("Job '%s' has dependency on non existing job '%s'", r.Name, d.Name)}
			}
			job.Dependencies = append(job.Dependencies, jobdag.Dependency{
				JobID: parent,
				On:    append([]jobdag.State(nil), d.On...),
			})
		}

		if w, ok := definition.WorkloadOf(r.Node); ok {
			job.Resources = jobdag.Resources{CPU: w.Resources.Limits.CPU, Memory: w.Resources.Limits.Memory}
			job.Placement = w.Placement()
			job.Timeout = w.TimeoutDuration()
		}

		snapshot, err := json.Marshal(r.Node)
		if err != nil {
			return nil, fmt.Errorf("jobdag: snapshot %s: %w", r.Name, err)
		}
		job.Definition = snapshot

		jobs = append(jobs, job)
	}
	return jobs, nil
}
