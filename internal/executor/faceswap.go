package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nearzoom/image-processor/internal/domain"
)

// Swapper is the external face-swap operation for a single face
// position.
type Swapper interface {
	SwapOne(ctx context.Context, sourceFace, target, output string, position int) error
}

// SwapFace pairs a downloaded face artifact with its original
// request-order position index. Positions are not compacted when
// earlier references were skipped.
type SwapFace struct {
	SourcePath string
	Position   int
}

// SwapRequest admits one job's entire multi-face sequence as a single
// unit of work.
type SwapRequest struct {
	JobID      string
	TargetPath string
	Faces      []SwapFace
	OutputDir  string
	StepPath   func(step int) string
	FinalPath  string
	Callback   func(SwapResult)
}

// SwapResult is the aggregate outcome of a whole sequence. One failed
// position aborts the rest; there is no partial-position success.
type SwapResult struct {
	FinalPath string
	Err       error
}

// SwapExecutor serializes all face-swap work behind a FIFO queue
// drained by a single worker. The external tool is GPU-bound and not
// safe for concurrent invocation, so exactly one swap operation runs
// system-wide at any instant.
type SwapExecutor struct {
	swapper Swapper
	logger  *slog.Logger

	queue    chan *SwapRequest
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	currentID string
}

// NewSwapExecutor creates a swap executor with the given admission
// queue capacity.
func NewSwapExecutor(swapper Swapper, queueCapacity int, logger *slog.Logger) *SwapExecutor {
	if queueCapacity <= 0 {
		queueCapacity = 16
	}
	return &SwapExecutor{
		swapper:  swapper,
		logger:   logger,
		queue:    make(chan *SwapRequest, queueCapacity),
		stopChan: make(chan struct{}),
	}
}

// Start spawns the single queue worker.
func (e *SwapExecutor) Start(ctx context.Context) {
	e.logger.Info("Starting face-swap executor",
		slog.Int("queue_capacity", cap(e.queue)),
	)

	e.wg.Add(1)
	go e.workerLoop(ctx)
}

// Stop refuses further admissions, shuts the worker down after the
// current sequence finishes and rejects everything still queued.
func (e *SwapExecutor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.stopChan)
	})
	e.wg.Wait()
	e.rejectPending()
	e.logger.Info("Face-swap executor stopped")
}

// Enqueue admits a request into the FIFO. The callback fires from the
// worker goroutine with the aggregate result.
func (e *SwapExecutor) Enqueue(ctx context.Context, req *SwapRequest) error {
	// Admission checks the stopped flag under the mutex; once Stop has
	// run, no request can land in the buffered queue.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	select {
	case e.queue <- req:
		e.mu.Unlock()
		e.logger.Info("Job admitted to face-swap queue",
			slog.String("job_id", req.JobID),
			slog.Int("queue_depth", len(e.queue)),
		)
		return nil
	default:
		e.mu.Unlock()
	}

	// Queue full: wait for a slot without holding the lock.
	select {
	case e.queue <- req:
		e.logger.Info("Job admitted to face-swap queue",
			slog.String("job_id", req.JobID),
			slog.Int("queue_depth", len(e.queue)),
		)
		return nil
	case <-e.stopChan:
		return ErrExecutorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Swap is the blocking convenience wrapper around Enqueue: it admits
// the sequence and suspends the caller until the worker reports the
// aggregate result.
func (e *SwapExecutor) Swap(ctx context.Context, req *SwapRequest) (SwapResult, error) {
	done := make(chan SwapResult, 1)
	req.Callback = func(res SwapResult) { done <- res }

	if err := e.Enqueue(ctx, req); err != nil {
		return SwapResult{}, err
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return SwapResult{}, ctx.Err()
	}
}

// QueueDepth reports how many admitted sequences are waiting for the
// worker.
func (e *SwapExecutor) QueueDepth() int {
	return len(e.queue)
}

// CurrentJobID reports the job whose sequence is presently executing,
// or "" when the worker is idle.
func (e *SwapExecutor) CurrentJobID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

func (e *SwapExecutor) setCurrent(id string) {
	e.mu.Lock()
	e.currentID = id
	e.mu.Unlock()
}

// rejectPending fails every sequence still waiting in the queue so no
// blocked Swap caller is abandoned.
func (e *SwapExecutor) rejectPending() {
	for {
		select {
		case req := <-e.queue:
			if req.Callback != nil {
				req.Callback(SwapResult{Err: ErrExecutorStopped})
			}
		default:
			return
		}
	}
}

func (e *SwapExecutor) workerLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		// A pending stop wins over queued work, so at most the sequence
		// already running completes after Stop is called.
		select {
		case <-e.stopChan:
			e.rejectPending()
			return
		default:
		}

		select {
		case <-e.stopChan:
			e.rejectPending()
			return
		case <-ctx.Done():
			e.rejectPending()
			return
		case req := <-e.queue:
			e.setCurrent(req.JobID)
			res := e.runSequence(ctx, req)
			e.setCurrent("")

			if req.Callback != nil {
				req.Callback(res)
			}
		}
	}
}

// runSequence folds the face list: each swap's output becomes the next
// swap's target, so later positions are disambiguated against the
// already-substituted image.
func (e *SwapExecutor) runSequence(ctx context.Context, req *SwapRequest) SwapResult {
	if len(req.Faces) == 0 {
		// Nothing to substitute: the target passes through unchanged.
		return SwapResult{FinalPath: req.TargetPath}
	}

	current := req.TargetPath
	for i, face := range req.Faces {
		output := req.FinalPath
		if i < len(req.Faces)-1 {
			output = req.StepPath(i + 1)
		}

		e.logger.Info("Running face swap",
			slog.String("job_id", req.JobID),
			slog.Int("step", i+1),
			slog.Int("total", len(req.Faces)),
			slog.Int("position", face.Position),
		)

		if err := e.swapper.SwapOne(ctx, face.SourcePath, current, output, face.Position); err != nil {
			return SwapResult{Err: domain.NewStageError("swap",
				fmt.Errorf("face swap failed at step %d (position %d): %w", i+1, face.Position, err))}
		}
		current = output
	}

	return SwapResult{FinalPath: current}
}
