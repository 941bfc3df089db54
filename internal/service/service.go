// Package service implements the application operations behind the
// HTTP handlers: job submission, status queries and queue
// introspection.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/events"
	"github.com/nearzoom/image-processor/internal/executor"
	"github.com/nearzoom/image-processor/internal/pipeline"
	"github.com/nearzoom/image-processor/internal/store"
)

// ErrInvalidRequest marks submission errors caused by bad input.
var ErrInvalidRequest = errors.New("invalid request")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitRequest carries everything needed to create a job.
type SubmitRequest struct {
	Mode       domain.Mode
	InputURL   string
	Faces      []domain.FaceRef
	Params     domain.Params
	WebhookURL string
}

// ListRequest filters and paginates job listings.
type ListRequest struct {
	Mode     string
	Status   string
	PageSize int
	Cursor   string
}

// ListResult is one page of jobs plus the cursor for the next.
type ListResult struct {
	Jobs       []domain.Job
	NextCursor string
}

// QueueStatus is a point-in-time snapshot of pipeline load.
type QueueStatus struct {
	SwapQueueDepth   int
	SwapCurrentJobID string
	ActivePipelines  int
}

// JobService exposes the application operations.
type JobService struct {
	store      store.Store
	dispatcher *pipeline.Dispatcher
	orch       *pipeline.Orchestrator
	swaps      *executor.SwapExecutor
	publisher  *events.Publisher
	logger     *slog.Logger
}

// NewJobService wires the service's collaborators.
func NewJobService(
	st store.Store,
	dispatcher *pipeline.Dispatcher,
	orch *pipeline.Orchestrator,
	swaps *executor.SwapExecutor,
	publisher *events.Publisher,
	logger *slog.Logger,
) *JobService {
	return &JobService{
		store:      st,
		dispatcher: dispatcher,
		orch:       orch,
		swaps:      swaps,
		publisher:  publisher,
		logger:     logger,
	}
}

// SubmitJob validates the request, persists the job and detaches the
// pipeline. When every dispatch slot is taken the job is recorded as
// failed immediately and returned with domain.ErrDispatchFailed.
func (s *JobService) SubmitJob(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	params := req.Params
	params.NormalizeSwap()

	job := &domain.Job{
		ID:       domain.NewJobID(),
		Mode:     req.Mode,
		Status:   domain.StatusQueued,
		InputURL: req.InputURL,
		Faces:    req.Faces,
		Params:   params,
	}
	if req.WebhookURL != "" {
		// Only jobs with a delivery target carry a delivery state.
		job.WebhookURL = strings.TrimRight(req.WebhookURL, "/")
		job.WebhookState = domain.WebhookStatePending
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("mode", string(job.Mode)),
		slog.Int("faces", len(job.Faces)),
	)

	if err := s.publisher.PublishJobEvent(ctx, events.JobCreated, job); err != nil {
		s.logger.Warn("Failed to publish job.created event",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	jobID := job.ID
	err := s.dispatcher.Dispatch(jobID, func() {
		// The request context ends when the handler returns; the
		// pipeline outlives it.
		s.orch.Run(context.Background(), jobID)
	})
	if err != nil {
		failed, terr := s.store.Transition(ctx, jobID, domain.StatusFailed, func(j *domain.Job) error {
			j.Error = "dispatch capacity exhausted"
			return nil
		})
		if terr != nil {
			s.logger.Error("Failed to record dispatch refusal",
				slog.String("job_id", jobID),
				slog.String("error", terr.Error()),
			)
			return job, err
		}
		return failed, err
	}

	return job, nil
}

// GetJob returns a job snapshot together with its event log.
func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, []domain.Event, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	evts, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, evts, nil
}

// ListJobs returns one page of jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, req ListRequest) (*ListResult, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cursor, err := store.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cursor: %v", ErrInvalidRequest, err)
	}
	if req.Mode != "" && !domain.ValidMode(domain.Mode(req.Mode)) {
		return nil, fmt.Errorf("%w: unknown mode: %s", ErrInvalidRequest, req.Mode)
	}

	jobs, err := s.store.List(ctx, store.Filter{
		Mode:     domain.Mode(req.Mode),
		Status:   domain.Status(req.Status),
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := &ListResult{Jobs: jobs}
	if len(jobs) > pageSize {
		result.Jobs = jobs[:pageSize]
		last := result.Jobs[pageSize-1]
		result.NextCursor = store.EncodeCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}
	return result, nil
}

// QueueStatus reports current pipeline load and the job holding the
// swap worker, if any.
func (s *JobService) QueueStatus() QueueStatus {
	return QueueStatus{
		SwapQueueDepth:   s.swaps.QueueDepth(),
		SwapCurrentJobID: s.swaps.CurrentJobID(),
		ActivePipelines:  s.dispatcher.Active(),
	}
}

func validateSubmit(req SubmitRequest) error {
	if !domain.ValidMode(req.Mode) {
		return fmt.Errorf("%w: unknown mode: %q", ErrInvalidRequest, req.Mode)
	}
	if req.InputURL == "" {
		return fmt.Errorf("%w: input_url is required", ErrInvalidRequest)
	}
	if len(req.Faces) > domain.MaxFaces {
		return fmt.Errorf("%w: at most %d face references allowed", ErrInvalidRequest, domain.MaxFaces)
	}
	if req.Mode.IncludesEdit() && req.Params.Edit == nil {
		return fmt.Errorf("%w: edit parameters are required for mode %s", ErrInvalidRequest, req.Mode)
	}
	if req.Params.Edit != nil {
		switch req.Params.Edit.Type {
		case domain.EditTypePrompt:
			if req.Params.Edit.Prompt == "" {
				return fmt.Errorf("%w: prompt is required for prompt edits", ErrInvalidRequest)
			}
		case domain.EditTypeColor:
			if req.Params.Edit.Color == "" {
				return fmt.Errorf("%w: color is required for color edits", ErrInvalidRequest)
			}
		default:
			return fmt.Errorf("%w: unknown edit type: %q", ErrInvalidRequest, req.Params.Edit.Type)
		}
	}
	return nil
}
