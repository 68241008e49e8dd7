// Package memstore is an in-process core.JobStore. It backs unit tests and
// `serve --memory`, and follows the same claim and update rules as the NATS
// store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
)

// Store is a mutex-guarded map of jobs keyed by id.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*core.Job
	now  func() time.Time
}

var _ core.JobStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*core.Job), now: time.Now}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Create(_ context.Context, job *core.Job) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job = job.Clone()
	if job.ID == "" {
		job.ID = core.NewUUIDv7()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return nil, core.ErrJobExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *Store) Get(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) FindUnclaimed(_ context.Context, limit int) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	var jobs []*core.Job
	for _, job := range s.jobs {
		if job.State() == core.StatePending {
			jobs = append(jobs, job.Clone())
		}
	}
	sortJobs(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) ClaimAtomic(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || job.Claimed || job.State().IsTerminal() {
			continue
		}
		job.Claimed = true
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *Store) UpdateFields(_ context.Context, id string, update core.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	// Apply on a copy so a rejected update leaves the stored job untouched.
	next := job.Clone()
	if err := update.Apply(next); err != nil {
		return err
	}
	s.jobs[id] = next
	return nil
}

func (s *Store) FindExpired(_ context.Context, maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var ids []string
	for id, job := range s.jobs {
		if !job.CreatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteMany(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) ListDeadLettered(_ context.Context) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*core.Job
	for _, job := range s.jobs {
		if job.DeadLettered {
			jobs = append(jobs, job.Clone())
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// sortJobs orders jobs by creation time, then id.
func sortJobs(jobs []*core.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
