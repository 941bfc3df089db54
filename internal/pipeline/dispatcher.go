package pipeline

import (
	"log/slog"
	"sync"

	"github.com/nearzoom/image-processor/internal/domain"
)

// Dispatcher launches job pipelines in the background, holding the
// number of in-flight pipelines below a fixed cap. Admission never
// blocks the caller: when every slot is taken the dispatch is refused
// outright and the caller decides what to do with the job.
type Dispatcher struct {
	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given in-flight cap.
func NewDispatcher(maxInFlight int, logger *slog.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Dispatcher{
		logger: logger,
		slots:  make(chan struct{}, maxInFlight),
	}
}

// Dispatch runs fn on its own goroutine if a slot is free, returning
// domain.ErrDispatchFailed when the cap is reached.
func (d *Dispatcher) Dispatch(jobID string, fn func()) error {
	select {
	case d.slots <- struct{}{}:
	default:
		d.logger.Warn("Dispatch refused, all slots busy",
			slog.String("job_id", jobID),
			slog.Int("max_in_flight", cap(d.slots)),
		)
		return domain.ErrDispatchFailed
	}

	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.slots
			d.wg.Done()
		}()
		fn()
	}()

	return nil
}

// Active reports how many pipelines are currently in flight.
func (d *Dispatcher) Active() int {
	return len(d.slots)
}

// Wait blocks until every dispatched pipeline has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
