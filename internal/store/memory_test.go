package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearzoom/image-processor/internal/domain"
)

func newTestJob(id string) *domain.Job {
	return &domain.Job{
		ID:       id,
		Mode:     domain.ModeBoth,
		Status:   domain.StatusQueued,
		InputURL: "https://example.com/input.png",
		Faces: []domain.FaceRef{
			{ID: "person-1", URL: "https://example.com/face0.png"},
		},
		Params: domain.Params{
			Edit: &domain.EditParams{Type: domain.EditTypePrompt, Prompt: "make it winter"},
			Swap: &domain.SwapParams{Mapping: "similarity", Threshold: 0.35},
		},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newTestJob("20250101-000000-abc123")
	require.NoError(t, s.Create(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "make it winter", got.Params.Edit.Prompt)

	// Creation appends the initial queued event.
	events, err := s.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].Name)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_GetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the store.
	got.Status = domain.StatusDone
	got.Faces[0].URL = "tampered"
	got.Params.Edit.Prompt = "tampered"

	fresh, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, fresh.Status)
	assert.Equal(t, "https://example.com/face0.png", fresh.Faces[0].URL)
	assert.Equal(t, "make it winter", fresh.Params.Edit.Prompt)
}

func TestMemoryStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "job-1", func(j *domain.Job) error {
				j.Progress++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, writers, got.Progress)
}

func TestMemoryStore_UpdateErrorAbortsMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	_, err := s.Update(ctx, "job-1", func(j *domain.Job) error {
		j.Status = domain.StatusDone
		return assert.AnError
	})
	require.Error(t, err)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestMemoryStore_Transition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	job, err := s.Transition(ctx, "job-1", domain.StatusEditing, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEditing, job.Status)
	assert.Equal(t, 20, job.Progress)

	// Illegal edge is rejected without side effects.
	_, err = s.Transition(ctx, "job-1", domain.StatusDone, nil)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusEditing, invalid.From)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEditing, got.Status)

	// Failure keeps progress at its last value.
	job, err = s.Transition(ctx, "job-1", domain.StatusFailed, func(j *domain.Job) error {
		j.Error = "edit stage failed: boom"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 20, job.Progress)
	assert.Equal(t, "edit stage failed: boom", job.Error)

	// Terminal: nothing moves anymore.
	_, err = s.Transition(ctx, "job-1", domain.StatusEditing, nil)
	require.ErrorAs(t, err, &invalid)

	events, err := s.ListEvents(ctx, "job-1")
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"queued", "editing", "failed"}, names)
}

func TestMemoryStore_AppendEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	require.NoError(t, s.AppendEvent(ctx, "job-1", "edit:start"))
	require.NoError(t, s.AppendEvent(ctx, "job-1", "edit:done"))
	assert.ErrorIs(t, s.AppendEvent(ctx, "missing", "x"), domain.ErrJobNotFound)

	events, err := s.ListEvents(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "edit:start", events[1].Name)
	assert.Equal(t, "edit:done", events[2].Name)
	assert.True(t, events[1].ID < events[2].ID)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		job := newTestJob(id)
		require.NoError(t, s.Create(ctx, job))
		time.Sleep(2 * time.Millisecond)
	}

	jobs, err := s.List(ctx, Filter{PageSize: 2})
	require.NoError(t, err)
	// PageSize+1 rows signal a next page.
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-c", jobs[0].ID)
	assert.Equal(t, "job-b", jobs[1].ID)

	cursor := &Cursor{CreatedAt: jobs[1].CreatedAt, JobID: jobs[1].ID}
	rest, err := s.List(ctx, Filter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "job-a", rest[0].ID)

	// Never more than one row beyond the page, however many match.
	require.NoError(t, s.Create(ctx, newTestJob("job-d")))
	jobs, err = s.List(ctx, Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
}

func TestMemoryStore_PurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	done := newTestJob("job-done")
	require.NoError(t, s.Create(ctx, done))
	_, err := s.Transition(ctx, "job-done", domain.StatusSwapping, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "job-done", domain.StatusFinalizing, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "job-done", domain.StatusDone, nil)
	require.NoError(t, err)

	running := newTestJob("job-running")
	require.NoError(t, s.Create(ctx, running))

	time.Sleep(5 * time.Millisecond)

	// Running jobs survive regardless of age.
	removed, err := s.PurgeOlderThan(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "job-done")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = s.Get(ctx, "job-running")
	assert.NoError(t, err)
}
