package scheduler

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/meikuraledutech/jobdag"
)

// DefaultLabel marks clusters used when no other placement applies.
const DefaultLabel = "default"

// minPreferredCPU is the smallest cpu request a preferred cluster must have
// spare.
const minPreferredCPU = 0.3

// Assigner picks the cluster a job runs on. The random source only breaks
// ties between clusters matching a selector.
type Assigner struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewAssigner(rnd *rand.Rand) *Assigner {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Assigner{rnd: rnd}
}

// Assign returns the cluster name for job. parentCluster is where the job's
// parent ran, or "" when unknown. A *jobdag.PlacementError is returned when
// no eligible cluster satisfies the job.
func (a *Assigner) Assign(job jobdag.Job, parentCluster string, clusters []jobdag.Cluster) (string, error) {
	eligible := make([]jobdag.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c.Eligible() {
			eligible = append(eligible, c)
		}
	}

	if sel := job.Placement.Selector; len(sel) > 0 {
		for _, c := range a.shuffle(eligible) {
			if c.HasLabels(sel) {
				return c.Name, nil
			}
		}
		return "", &jobdag.PlacementError{Selector: sel}
	}

	if prefer := job.Placement.Prefer; prefer != "" {
		floor := math.Max(minPreferredCPU, job.Resources.CPU/2)
		for _, c := range eligible {
			if c.Name == prefer && c.CPUCapacity >= floor && c.MemoryCapacity >= job.Resources.Memory {
				return c.Name, nil
			}
		}
	}

	if parentCluster != "" {
		for _, c := range eligible {
			if c.Name == parentCluster {
				return c.Name, nil
			}
		}
	}

	if len(job.Dependencies) == 0 && len(eligible) > 0 {
		best := append([]jobdag.Cluster(nil), eligible...)
		sort.SliceStable(best, func(i, k int) bool {
			if best[i].CPUCapacity != best[k].CPUCapacity {
				return best[i].CPUCapacity > best[k].CPUCapacity
			}
			if best[i].MemoryCapacity != best[k].MemoryCapacity {
				return best[i].MemoryCapacity > best[k].MemoryCapacity
			}
			return best[i].Name < best[k].Name
		})
		return best[0].Name, nil
	}

	for _, c := range eligible {
		if c.HasLabels([]string{DefaultLabel}) {
			return c.Name, nil
		}
	}
	return "", &jobdag.PlacementError{Selector: []string{DefaultLabel}}
}

func (a *Assigner) shuffle(clusters []jobdag.Cluster) []jobdag.Cluster {
	out := append([]jobdag.Cluster(nil), clusters...)
	a.mu.Lock()
	a.rnd.Shuffle(len(out), func(i, k int) { out[i], out[k] = out[k], out[i] })
	a.mu.Unlock()
	return out
}
