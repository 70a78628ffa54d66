package scheduler

import "github.com/meikuraledutech/jobdag"

// Readiness is the outcome of evaluating a queued job's dependencies.
type Readiness int

const (
	Blocked Readiness = iota
	Skip
	Ready
)

func (r Readiness) String() string {
	switch r {
	case Skip:
		return "skip"
	case Ready:
		return "ready"
	default:
		return "blocked"
	}
}

// Resolve decides whether job can run given the current state of its
// parents, keyed by job id. A parent missing from parents counts as not yet
// terminal.
func Resolve(job jobdag.Job, parents map[string]jobdag.State) Readiness {
	violated := false
	for _, dep := range job.Dependencies {
		state, ok := parents[dep.JobID]
		if !ok || !state.Terminal() {
			return Blocked
		}
		if !dep.Allows(state) {
			violated = true
		}
	}
	if violated {
		return Skip
	}
	return Ready
}
