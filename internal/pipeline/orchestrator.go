// Package pipeline drives jobs through their processing stages and
// bounds how many run at once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/executor"
	"github.com/nearzoom/image-processor/internal/media"
	"github.com/nearzoom/image-processor/internal/store"
)

// Notifier delivers terminal webhooks. Delivery failure is recorded on
// the job's webhook state and never affects job status.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job *domain.Job)
	NotifyFailed(ctx context.Context, job *domain.Job, code, message string)
}

// EventPublisher broadcasts job lifecycle events to interested
// consumers. Implementations must tolerate being nil-safe no-ops.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event string, job *domain.Job) error
}

// Orchestrator runs one job's pipeline end to end: artifact
// resolution, the mode-dependent stage sequence, transitions against
// the job store and the terminal webhook.
type Orchestrator struct {
	store     store.Store
	media     *media.Storage
	edits     *executor.EditExecutor
	swaps     *executor.SwapExecutor
	notifier  Notifier
	publisher EventPublisher
	logger    *slog.Logger
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(
	st store.Store,
	mediaStorage *media.Storage,
	edits *executor.EditExecutor,
	swaps *executor.SwapExecutor,
	notifier Notifier,
	publisher EventPublisher,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		media:     mediaStorage,
		edits:     edits,
		swaps:     swaps,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

// Run executes the full pipeline for jobID. It is the only writer of
// the job's status, progress, result and error fields.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	start := time.Now()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("Failed to load job for pipeline",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	o.logger.Info("Pipeline started",
		slog.String("job_id", job.ID),
		slog.String("mode", string(job.Mode)),
	)

	tree, err := o.media.EnsureTree(job.ID)
	if err != nil {
		o.fail(ctx, job.ID, tree, "prepare", err)
		return
	}
	if err := o.media.WriteParams(tree, job); err != nil {
		o.logger.Warn("Failed to write params snapshot",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := o.media.Resolve(ctx, job.InputURL, tree.InputFile()); err != nil {
		o.fail(ctx, job.ID, tree, "prepare", fmt.Errorf("failed to resolve input: %w", err))
		return
	}
	_ = o.media.AppendLog(tree, "input resolved")

	var finalPath string
	switch job.Mode {
	case domain.ModeEditOnly:
		finalPath, err = o.runEditOnly(ctx, job, tree)
	case domain.ModeSwapOnly:
		finalPath, err = o.runSwapOnly(ctx, job, tree)
	case domain.ModeBoth:
		finalPath, err = o.runBoth(ctx, job, tree)
	default:
		err = domain.NewStageError("prepare", fmt.Errorf("unsupported mode: %s", job.Mode))
	}
	if err != nil {
		stage := "pipeline"
		var stageErr *domain.StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		o.fail(ctx, job.ID, tree, stage, err)
		return
	}

	o.finish(ctx, job.ID, tree, finalPath, start)
}

// runEditOnly runs the edit stage and commits its output as the
// result. The edited artifact goes straight from edited to done.
func (o *Orchestrator) runEditOnly(ctx context.Context, job *domain.Job, tree media.Tree) (string, error) {
	edited, err := o.runEditStage(ctx, job, tree)
	if err != nil {
		return "", err
	}
	return edited, nil
}

// runSwapOnly feeds the raw input into the swap stage. With no usable
// face references the input passes through as the result.
func (o *Orchestrator) runSwapOnly(ctx context.Context, job *domain.Job, tree media.Tree) (string, error) {
	if _, err := o.store.Transition(ctx, job.ID, domain.StatusSwapping, nil); err != nil {
		return "", fmt.Errorf("failed to enter swapping: %w", err)
	}
	return o.runSwapStage(ctx, job, tree, tree.InputFile())
}

// runBoth chains edit then swap. When the job carries no face
// references the edited artifact becomes the result directly and the
// swap stage is never invoked.
func (o *Orchestrator) runBoth(ctx context.Context, job *domain.Job, tree media.Tree) (string, error) {
	edited, err := o.runEditStage(ctx, job, tree)
	if err != nil {
		return "", err
	}

	if len(usableFaces(job.Faces)) == 0 {
		_ = o.store.AppendEvent(ctx, job.ID, "swap:skipped")
		_ = o.media.AppendLog(tree, "no face references, skipping swap")
		return edited, nil
	}

	if _, err := o.store.Transition(ctx, job.ID, domain.StatusSwapping, nil); err != nil {
		return "", fmt.Errorf("failed to enter swapping: %w", err)
	}
	return o.runSwapStage(ctx, job, tree, edited)
}

// runEditStage transitions through editing/edited and returns the
// edited artifact path.
func (o *Orchestrator) runEditStage(ctx context.Context, job *domain.Job, tree media.Tree) (string, error) {
	if _, err := o.store.Transition(ctx, job.ID, domain.StatusEditing, nil); err != nil {
		return "", fmt.Errorf("failed to enter editing: %w", err)
	}
	_ = o.media.AppendLog(tree, "edit stage started")

	var params domain.EditParams
	if job.Params.Edit != nil {
		params = *job.Params.Edit
	}

	res, err := o.edits.Submit(ctx, executor.EditRequest{
		JobID:      job.ID,
		InputPath:  tree.InputFile(),
		OutputPath: tree.EditedFile(),
		Params:     params,
	})
	if err != nil {
		return "", domain.NewStageError("edit", err)
	}
	if res.Err != nil {
		return "", res.Err
	}

	mutate := store.Mutator(nil)
	if res.Degraded {
		mutate = func(j *domain.Job) error {
			j.Degraded = true
			return nil
		}
	}
	if _, err := o.store.Transition(ctx, job.ID, domain.StatusEdited, mutate); err != nil {
		return "", fmt.Errorf("failed to enter edited: %w", err)
	}
	_ = o.media.AppendLog(tree, "edit stage finished")

	return res.OutputPath, nil
}

// runSwapStage downloads face artifacts and submits the whole
// sequence to the single-flight executor. The caller has already
// transitioned the job to swapping.
func (o *Orchestrator) runSwapStage(ctx context.Context, job *domain.Job, tree media.Tree, targetPath string) (string, error) {
	faces := usableFaces(job.Faces)
	if len(faces) == 0 {
		_ = o.store.AppendEvent(ctx, job.ID, "swap:skipped")
		_ = o.media.AppendLog(tree, "no face references, passing input through")
		return targetPath, nil
	}

	swapFaces := make([]executor.SwapFace, 0, len(faces))
	for _, f := range faces {
		dest := tree.FaceFile(f.Position)
		if err := o.media.Resolve(ctx, f.Ref.URL, dest); err != nil {
			return "", domain.NewStageError("swap",
				fmt.Errorf("failed to resolve face %d: %w", f.Position, err))
		}
		swapFaces = append(swapFaces, executor.SwapFace{
			SourcePath: dest,
			Position:   f.Position,
		})
	}
	_ = o.media.AppendLog(tree, fmt.Sprintf("swap stage started with %d faces", len(swapFaces)))

	res, err := o.swaps.Swap(ctx, &executor.SwapRequest{
		JobID:      job.ID,
		TargetPath: targetPath,
		Faces:      swapFaces,
		OutputDir:  tree.Final,
		StepPath:   tree.StepFile,
		FinalPath:  tree.FinalFile(),
	})
	if err != nil {
		return "", domain.NewStageError("swap", err)
	}
	if res.Err != nil {
		return "", res.Err
	}
	_ = o.media.AppendLog(tree, "swap stage finished")

	return res.FinalPath, nil
}

// finish commits the result artifact, runs the remaining transitions
// to done and fires the completion webhook.
func (o *Orchestrator) finish(ctx context.Context, jobID string, tree media.Tree, finalPath string, start time.Time) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("Failed to reload job before finalize",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	// edit_only commits straight from edited to done; every other path
	// passes through finalizing first.
	if job.Mode != domain.ModeEditOnly {
		if _, err := o.store.Transition(ctx, jobID, domain.StatusFinalizing, nil); err != nil {
			o.fail(ctx, jobID, tree, "finalize", err)
			return
		}
	}

	// Commit: the result always lives at the canonical final path.
	if finalPath != tree.FinalFile() {
		if err := media.CopyFile(finalPath, tree.FinalFile()); err != nil {
			o.fail(ctx, jobID, tree, "finalize", err)
			return
		}
	}

	resultURL, err := o.media.PublicURL(tree.FinalFile())
	if err != nil {
		o.fail(ctx, jobID, tree, "finalize", err)
		return
	}

	done, err := o.store.Transition(ctx, jobID, domain.StatusDone, func(j *domain.Job) error {
		j.ResultURL = resultURL
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to commit done transition",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = o.media.AppendLog(tree, "job done")

	o.logger.Info("Pipeline finished",
		slog.String("job_id", jobID),
		slog.String("result_url", resultURL),
		slog.Duration("duration", time.Since(start)),
	)

	if o.publisher != nil {
		if err := o.publisher.PublishJobEvent(ctx, "job.done", done); err != nil {
			o.logger.Warn("Failed to publish job.done event",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.notifier != nil {
		o.notifier.NotifyCompleted(ctx, done)
	}
}

// fail records the terminal failure: error text, failed transition
// with frozen progress, job log line, lifecycle event and the failure
// webhook.
func (o *Orchestrator) fail(ctx context.Context, jobID string, tree media.Tree, stage string, cause error) {
	o.logger.Error("Pipeline failed",
		slog.String("job_id", jobID),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)

	failed, err := o.store.Transition(ctx, jobID, domain.StatusFailed, func(j *domain.Job) error {
		j.Error = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to record failure",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if tree.Base != "" {
		_ = o.media.AppendLog(tree, fmt.Sprintf("stage %s failed: %s", stage, cause.Error()))
	}

	if o.publisher != nil {
		if err := o.publisher.PublishJobEvent(ctx, "job.failed", failed); err != nil {
			o.logger.Warn("Failed to publish job.failed event",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.notifier != nil {
		o.notifier.NotifyFailed(ctx, failed, stage+"_failed", cause.Error())
	}
}

// positionedFace is a non-empty face reference keyed by its original
// request-order index.
type positionedFace struct {
	Ref      domain.FaceRef
	Position int
}

// usableFaces filters empty references while preserving original
// position indices.
func usableFaces(refs []domain.FaceRef) []positionedFace {
	out := make([]positionedFace, 0, len(refs))
	for i, ref := range refs {
		if ref.URL == "" {
			continue
		}
		out = append(out, positionedFace{Ref: ref, Position: i})
	}
	return out
}
