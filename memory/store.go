// Package memory provides an in-process implementation of the jobdag store
// contracts. It backs single-replica deployments, the example program and
// tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meikuraledutech/jobdag"
)

// Store implements jobdag.JobStore and jobdag.ClusterDirectory behind one
// mutex. Returned values are copies.
type Store struct {
	mu       sync.RWMutex
	builds   map[string]jobdag.Build
	numbers  map[string]int
	jobs     map[string]jobdag.Job
	aborts   map[string]struct{}
	clusters map[string]jobdag.Cluster
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		builds:   make(map[string]jobdag.Build),
		numbers:  make(map[string]int),
		jobs:     make(map[string]jobdag.Job),
		aborts:   make(map[string]struct{}),
		clusters: make(map[string]jobdag.Cluster),
	}
}

func (s *Store) CreateBuild(ctx context.Context, b *jobdag.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.builds[b.ID]; exists {
		return fmt.Errorf("jobdag: build %s already exists", b.ID)
	}
	s.builds[b.ID] = *b
	if b.Number > s.numbers[b.ProjectID] {
		s.numbers[b.ProjectID] = b.Number
	}
	return nil
}

// GetBuild returns nil, nil if the build does not exist.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*jobdag.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builds[buildID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) NextBuildNumber(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numbers[projectID] + 1, nil
}

// CreateJobs stores all jobs or none of them.
func (s *Store) CreateJobs(ctx context.Context, jobs []jobdag.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJobs(jobs)
}

func (s *Store) insertJobs(jobs []jobdag.Job) error {
	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			return fmt.Errorf("jobdag: job %s already exists", j.ID)
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

// GetJob returns nil, nil if the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobdag.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	j = cloneJob(j)
	return &j, nil
}

// ListJobsByState returns matching jobs, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, states ...jobdag.State) ([]jobdag.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []jobdag.Job{}
	for _, j := range s.jobs {
		for _, st := range states {
			if j.State == st {
				out = append(out, cloneJob(j))
				break
			}
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListBuildJobs(ctx context.Context, buildID string) ([]jobdag.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []jobdag.Job{}
	for _, j := range s.jobs {
		if j.BuildID == buildID {
			out = append(out, cloneJob(j))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) CompareAndSetState(ctx context.Context, jobID string, expected []jobdag.State, next jobdag.State, t jobdag.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, jobdag.ErrJobNotFound
	}
	matched := false
	for _, st := range expected {
		if j.State == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	s.jobs[jobID] = applyTransition(j, next, t)
	return true, nil
}

func (s *Store) CompleteGraph(ctx context.Context, creatorID string, jobs []jobdag.Job, t jobdag.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creator, ok := s.jobs[creatorID]
	if !ok {
		return false, jobdag.ErrJobNotFound
	}
	if creator.State != jobdag.StateRunning {
		return false, nil
	}
	if err := s.insertJobs(jobs); err != nil {
		return false, err
	}
	s.jobs[creatorID] = applyTransition(creator, jobdag.StateFinished, t)
	return true, nil
}

func applyTransition(j jobdag.Job, next jobdag.State, t jobdag.Transition) jobdag.Job {
	j.State = next
	if t.Message != "" {
		j.Message = strings.Clone(t.Message)
	}
	if t.Cluster != "" {
		j.Cluster = strings.Clone(t.Cluster)
	}
	if !t.StartDate.IsZero() {
		start := t.StartDate
		j.StartDate = &start
	}
	if !t.EndDate.IsZero() {
		end := t.EndDate
		j.EndDate = &end
	}
	return j
}

func (s *Store) RequestAbort(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return jobdag.ErrJobNotFound
	}
	s.aborts[strings.Clone(jobID)] = struct{}{}
	return nil
}

func (s *Store) ListAborts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.aborts))
	for id := range s.aborts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ClearAbort(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aborts, jobID)
	return nil
}

// ListClusters returns all clusters ordered by name.
func (s *Store) ListClusters(ctx context.Context) ([]jobdag.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]jobdag.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		c.Labels = append([]string(nil), c.Labels...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertCluster(ctx context.Context, c jobdag.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Name = strings.Clone(c.Name)
	labels := make([]string, len(c.Labels))
	for i, l := range c.Labels {
		labels[i] = strings.Clone(l)
	}
	c.Labels = labels
	s.clusters[c.Name] = c
	return nil
}

func sortByCreated(jobs []jobdag.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func cloneJob(j jobdag.Job) jobdag.Job {
	out := j
	if j.Dependencies != nil {
		out.Dependencies = make([]jobdag.Dependency, len(j.Dependencies))
		for i, d := range j.Dependencies {
			out.Dependencies[i] = jobdag.Dependency{JobID: d.JobID, On: append([]jobdag.State(nil), d.On...)}
		}
	}
	if j.Environment != nil {
		out.Environment = make(map[string]string, len(j.Environment))
		for k, v := range j.Environment {
			out.Environment[k] = v
		}
	}
	out.Placement.Selector = append([]string(nil), j.Placement.Selector...)
	out.Definition = append([]byte(nil), j.Definition...)
	if j.StartDate != nil {
		t := *j.StartDate
		out.StartDate = &t
	}
	if j.EndDate != nil {
		t := *j.EndDate
		out.EndDate = &t
	}
	return out
}

// Lease is an in-process jobdag.Lease. Holders compete for a single slot
// that expires after ttl without renewal.
type Lease struct {
	mu      *sync.Mutex
	state   *leaseState
	holder  string
	ttl     time.Duration
	nowFunc func() time.Time
}

type leaseState struct {
	holder  string
	expires time.Time
}

// NewLeaseGroup returns a constructor for leases that compete with each
// other.
func NewLeaseGroup(ttl time.Duration) func(holder string) *Lease {
	mu := &sync.Mutex{}
	state := &leaseState{}
	return func(holder string) *Lease {
		return &Lease{mu: mu, state: state, holder: holder, ttl: ttl, nowFunc: time.Now}
	}
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if l.state.holder != "" && l.state.holder != l.holder && now.Before(l.state.expires) {
		return false, nil
	}
	l.state.holder = l.holder
	l.state.expires = now.Add(l.ttl)
	return true, nil
}
