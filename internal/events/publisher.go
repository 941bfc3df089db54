// Package events broadcasts job lifecycle events over the message
// broker for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/shared/rabbitmq"
)

// Routing keys for job lifecycle events.
const (
	JobCreated = "job.created"
	JobDone    = "job.done"
	JobFailed  = "job.failed"
)

// message is the broker wire format of one lifecycle event.
type message struct {
	Event     string        `json:"event"`
	JobID     string        `json:"job_id"`
	Mode      domain.Mode   `json:"mode"`
	Status    domain.Status `json:"status"`
	Progress  int           `json:"progress"`
	ResultURL string        `json:"result_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher sends lifecycle events to the broker. A nil Publisher is
// a valid no-op, used when the broker is not configured.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher wraps a connected broker client.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// PublishJobEvent publishes one lifecycle event with the event name as
// routing key.
func (p *Publisher) PublishJobEvent(ctx context.Context, event string, job *domain.Job) error {
	if p == nil || p.client == nil {
		return nil
	}

	body, err := json.Marshal(message{
		Event:     event,
		JobID:     job.ID,
		Mode:      job.Mode,
		Status:    job.Status,
		Progress:  job.Progress,
		ResultURL: job.ResultURL,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	if err := p.client.Publish(ctx, event, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish lifecycle event %s: %w", event, err)
	}

	p.logger.Debug("Lifecycle event published",
		slog.String("event", event),
		slog.String("job_id", job.ID),
	)
	return nil
}
