// Package webhook delivers signed terminal notifications to external
// consumers.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/store"
)

const (
	// EventCompleted and EventFailed are the terminal event types
	// carried in the payload and the event header.
	EventCompleted = "image-processing.completed"
	EventFailed    = "image-processing.failed"

	headerEvent     = "X-Webhook-Event"
	headerSignature = "X-Webhook-Signature"

	completedPath = "/webhooks/image-processing/completed"
	failedPath    = "/webhooks/image-processing/failed"
)

// Payload is the wire format of a terminal notification.
type Payload struct {
	Event     string                 `json:"event"`
	JobID     string                 `json:"jobId"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Config holds webhook delivery settings.
type Config struct {
	Secret     string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Notifier signs and delivers terminal webhooks with bounded retries.
// It is the only writer of the job's webhook delivery state.
type Notifier struct {
	store      store.Store
	logger     *slog.Logger
	client     *http.Client
	secret     []byte
	maxRetries int
	retryDelay time.Duration
}

// NewNotifier creates a Notifier. MaxRetries counts retries after the
// first attempt; zero values fall back to 2 retries, 5s delay, 30s
// request timeout.
func NewNotifier(st store.Store, cfg Config, logger *slog.Logger) *Notifier {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		store:      st,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		secret:     []byte(cfg.Secret),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// NotifyCompleted delivers the completion notification for a done job.
func (n *Notifier) NotifyCompleted(ctx context.Context, job *domain.Job) {
	if job.WebhookURL == "" {
		return
	}

	personIDs := make([]string, 0, len(job.Faces))
	for _, f := range job.Faces {
		if f.URL != "" && f.ID != "" {
			personIDs = append(personIDs, f.ID)
		}
	}

	data := map[string]interface{}{
		"originalImageUrl":  job.InputURL,
		"processedImageUrl": job.ResultURL,
		"personIds":         personIDs,
	}
	if job.Degraded {
		data["degraded"] = true
	}

	n.deliver(ctx, job, EventCompleted, job.WebhookURL+completedPath, data)
}

// NotifyFailed delivers the failure notification. The error code and
// message travel inside the data object.
func (n *Notifier) NotifyFailed(ctx context.Context, job *domain.Job, code, message string) {
	if job.WebhookURL == "" {
		return
	}

	data := map[string]interface{}{
		"code":    code,
		"message": message,
	}

	n.deliver(ctx, job, EventFailed, job.WebhookURL+failedPath, data)
}

// Sign computes the signature header value for a serialized payload.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver serializes and signs the payload once, then attempts
// delivery up to maxRetries+1 times with a fixed inter-attempt delay.
// The outcome is recorded as the job's webhook delivery state.
func (n *Notifier) deliver(ctx context.Context, job *domain.Job, event, url string, data map[string]interface{}) {
	payload := Payload{
		Event:     event,
		JobID:     job.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Failed to marshal webhook payload",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		n.recordState(ctx, job.ID, domain.WebhookStateFailed)
		return
	}
	signature := Sign(n.secret, body)

	attempts := n.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := n.post(ctx, url, event, signature, body)
		if err == nil {
			n.logger.Info("Webhook delivered",
				slog.String("job_id", job.ID),
				slog.String("event", event),
				slog.Int("attempt", attempt),
			)
			n.recordState(ctx, job.ID, domain.WebhookStateSent)
			return
		}

		n.logger.Warn("Webhook delivery attempt failed",
			slog.String("job_id", job.ID),
			slog.String("event", event),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		if attempt < attempts {
			select {
			case <-time.After(n.retryDelay):
			case <-ctx.Done():
				n.recordState(ctx, job.ID, domain.WebhookStateFailed)
				return
			}
		}
	}

	n.logger.Error("Webhook delivery exhausted retries",
		slog.String("job_id", job.ID),
		slog.String("event", event),
		slog.String("url", url),
	)
	n.recordState(ctx, job.ID, domain.WebhookStateFailed)
}

func (n *Notifier) post(ctx context.Context, url, event, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, event)
	req.Header.Set(headerSignature, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// recordState updates the job's webhook delivery state. Job status is
// never touched here.
func (n *Notifier) recordState(ctx context.Context, jobID string, state domain.WebhookState) {
	_, err := n.store.Update(ctx, jobID, func(j *domain.Job) error {
		j.WebhookState = state
		return nil
	})
	if err != nil {
		n.logger.Error("Failed to record webhook state",
			slog.String("job_id", jobID),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = n.store.AppendEvent(ctx, jobID, "webhook:"+string(state))
}
