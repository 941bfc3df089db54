package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
)

// MemoryStore is a process-local Store used for tests and
// credential-less deployments. All reads return copies so callers
// never observe partial writes.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	events   map[string][]domain.Event
	eventSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*domain.Job),
		events: make(map[string][]domain.Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneJob(job)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	s.jobs[stored.ID] = stored
	s.appendEventLocked(stored.ID, string(domain.StatusQueued), now)

	job.CreatedAt = stored.CreatedAt
	job.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate Mutator) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	next := cloneJob(job)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = next
	return cloneJob(next), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to domain.Status, mutate Mutator) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	next := cloneJob(job)
	if err := applyTransition(next, to, mutate); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next.UpdatedAt = now
	s.jobs[id] = next
	s.appendEventLocked(id, string(to), now)
	return cloneJob(next), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.UpdatedAt = now
	s.appendEventLocked(id, name, now)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, id string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, domain.ErrJobNotFound
	}
	events := make([]domain.Event, len(s.events[id]))
	copy(events, s.events[id])
	return events, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Mode != "" && job.Mode != filter.Mode {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			// Keyset condition: (created_at, job_id) < cursor.
			if job.CreatedAt.After(filter.Cursor.CreatedAt) {
				continue
			}
			if job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.ID >= filter.Cursor.JobID {
				continue
			}
		}
		jobs = append(jobs, *cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	// One row beyond the page signals that a next page exists.
	if filter.PageSize > 0 && len(jobs) > filter.PageSize {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.events, id)
			removed++
		}
	}
	return removed, nil
}

// appendEventLocked records an event; s.mu must be held for writing.
func (s *MemoryStore) appendEventLocked(jobID, name string, at time.Time) {
	s.eventSeq++
	s.events[jobID] = append(s.events[jobID], domain.Event{
		ID:    s.eventSeq,
		JobID: jobID,
		Name:  name,
		At:    at,
	})
}

func cloneJob(job *domain.Job) *domain.Job {
	next := *job
	if job.Faces != nil {
		next.Faces = make([]domain.FaceRef, len(job.Faces))
		copy(next.Faces, job.Faces)
	}
	if job.Params.Edit != nil {
		edit := *job.Params.Edit
		next.Params.Edit = &edit
	}
	if job.Params.Swap != nil {
		swap := *job.Params.Swap
		next.Params.Swap = &swap
	}
	return &next
}
