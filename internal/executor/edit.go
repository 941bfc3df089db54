// Package executor implements the two stage executors: a bounded
// parallel pool for the AI edit stage and a strict single-flight
// queue for the GPU-bound face-swap stage.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/media"
)

// Editor is the external AI edit operation.
type Editor interface {
	Edit(ctx context.Context, inputPath, outputPath string, params domain.EditParams) error
}

// ErrExecutorStopped is returned for submissions after shutdown.
var ErrExecutorStopped = errors.New("executor stopped")

// EditRequest is one edit stage unit of work.
type EditRequest struct {
	JobID      string
	InputPath  string
	OutputPath string
	Params     domain.EditParams
}

// EditResult carries the edit stage outcome. Degraded is true when the
// external operation was skipped and the input copied through.
type EditResult struct {
	OutputPath string
	Degraded   bool
	Err        error
}

type editTask struct {
	req   EditRequest
	reply chan EditResult
}

// EditExecutor runs edit operations on a bounded worker pool. The
// external edit call is stateless, so multiple jobs' edit stages may
// run in parallel up to the pool size.
type EditExecutor struct {
	editor      Editor
	degraded    bool
	concurrency int
	logger      *slog.Logger

	tasks    chan *editTask
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEditExecutor creates an edit executor. When degraded is true (no
// provider credential configured) every request copies its input to
// the output and reports Degraded instead of calling the editor.
func NewEditExecutor(editor Editor, degraded bool, concurrency int, logger *slog.Logger) *EditExecutor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &EditExecutor{
		editor:      editor,
		degraded:    degraded,
		concurrency: concurrency,
		logger:      logger,
		tasks:       make(chan *editTask),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool.
func (e *EditExecutor) Start(ctx context.Context) {
	e.logger.Info("Starting edit executor",
		slog.Int("concurrency", e.concurrency),
		slog.Bool("degraded", e.degraded),
	)

	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
}

// Stop shuts the pool down and waits for in-flight edits.
func (e *EditExecutor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
	e.logger.Info("Edit executor stopped")
}

// Submit hands the request to the pool and blocks until a worker has
// finished it. Stage failures come back inside EditResult; the error
// return covers cancellation and shutdown only.
func (e *EditExecutor) Submit(ctx context.Context, req EditRequest) (EditResult, error) {
	task := &editTask{req: req, reply: make(chan EditResult, 1)}

	select {
	case e.tasks <- task:
	case <-e.stopChan:
		return EditResult{}, ErrExecutorStopped
	case <-ctx.Done():
		return EditResult{}, ctx.Err()
	}

	select {
	case res := <-task.reply:
		return res, nil
	case <-ctx.Done():
		return EditResult{}, ctx.Err()
	}
}

func (e *EditExecutor) workerLoop(ctx context.Context, workerNum int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			e.logger.Info("Edit worker picked up job",
				slog.Int("worker_num", workerNum),
				slog.String("job_id", task.req.JobID),
			)
			task.reply <- e.runEdit(ctx, task.req)
		}
	}
}

func (e *EditExecutor) runEdit(ctx context.Context, req EditRequest) EditResult {
	if e.degraded {
		if err := media.CopyFile(req.InputPath, req.OutputPath); err != nil {
			return EditResult{Err: domain.NewStageError("edit", fmt.Errorf("degraded copy failed: %w", err))}
		}
		e.logger.Warn("Edit executor degraded - copied input to output",
			slog.String("job_id", req.JobID),
		)
		return EditResult{OutputPath: req.OutputPath, Degraded: true}
	}

	if err := e.editor.Edit(ctx, req.InputPath, req.OutputPath, req.Params); err != nil {
		e.logger.Error("Edit operation failed",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		return EditResult{Err: domain.NewStageError("edit", err)}
	}

	return EditResult{OutputPath: req.OutputPath}
}
