// Package store defines the job store contract and its in-memory and
// PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
)

// Mutator mutates a job inside an atomic read-modify-write. Returning
// an error aborts the update without applying anything.
type Mutator func(*domain.Job) error

// Filter narrows and paginates job listings.
type Filter struct {
	Mode     domain.Mode
	Status   domain.Status
	PageSize int
	Cursor   *Cursor
}

// Store is the durable mapping from job id to job record. The
// orchestrator is the only writer of status/progress/result/error;
// the webhook notifier is the only writer of the webhook state.
type Store interface {
	// Create inserts a new job record and appends its initial
	// "queued" event.
	Create(ctx context.Context, job *domain.Job) error

	// Get returns a consistent snapshot of a job, or
	// domain.ErrJobNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update applies mutate atomically against the stored record and
	// refreshes updated_at. Concurrent updates of the same job are
	// serialized.
	Update(ctx context.Context, id string, mutate Mutator) (*domain.Job, error)

	// Transition atomically moves the job to the given status,
	// recomputes progress, applies the optional extra mutation,
	// refreshes updated_at and appends a status-named event — all with
	// no partial visibility. Illegal edges return
	// *domain.InvalidTransitionError.
	Transition(ctx context.Context, id string, to domain.Status, mutate Mutator) (*domain.Job, error)

	// AppendEvent appends a named event to the job's audit log and
	// refreshes updated_at.
	AppendEvent(ctx context.Context, id, name string) error

	// ListEvents returns the job's events in append order.
	ListEvents(ctx context.Context, id string) ([]domain.Event, error)

	// List returns jobs newest-first with cursor pagination; one extra
	// row beyond PageSize signals more results.
	List(ctx context.Context, filter Filter) ([]domain.Job, error)

	// PurgeOlderThan deletes terminal jobs whose updated_at is older
	// than the retention window and returns the number removed.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// applyTransition performs the shared transition bookkeeping on a job
// snapshot. Implementations call it with the record locked.
func applyTransition(job *domain.Job, to domain.Status, mutate Mutator) error {
	if !domain.CanTransition(job.Status, to) {
		return &domain.InvalidTransitionError{From: job.Status, To: to}
	}
	job.Status = to
	if p := domain.ProgressFor(to); p >= 0 {
		job.Progress = p
	}
	if mutate != nil {
		if err := mutate(job); err != nil {
			return err
		}
	}
	return nil
}
