package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	Path      string
	Event     string
	Signature string
	Body      []byte
}

type webhookSink struct {
	mu       sync.Mutex
	status   int
	requests []capturedRequest
}

func (w *webhookSink) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.requests = append(w.requests, capturedRequest{
			Path:      r.URL.Path,
			Event:     r.Header.Get("X-Webhook-Event"),
			Signature: r.Header.Get("X-Webhook-Signature"),
			Body:      body,
		})
		status := w.status
		w.mu.Unlock()
		rw.WriteHeader(status)
	}
}

func (w *webhookSink) snapshot() []capturedRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]capturedRequest, len(w.requests))
	copy(out, w.requests)
	return out
}

func seedDoneJob(t *testing.T, st store.Store, webhookURL string) *domain.Job {
	t.Helper()
	ctx := context.Background()

	job := &domain.Job{
		ID:       domain.NewJobID(),
		Mode:     domain.ModeBoth,
		Status:   domain.StatusQueued,
		InputURL: "https://cdn.example.com/in.png",
		Faces: []domain.FaceRef{
			{ID: "person-1", URL: "https://cdn.example.com/f0.png"},
			{URL: ""},
			{ID: "person-3", URL: "https://cdn.example.com/f2.png"},
		},
		WebhookURL: webhookURL,
	}
	if webhookURL != "" {
		job.WebhookState = domain.WebhookStatePending
	}
	require.NoError(t, st.Create(ctx, job))

	for _, s := range []domain.Status{
		domain.StatusEditing, domain.StatusEdited,
		domain.StatusSwapping, domain.StatusFinalizing,
	} {
		_, err := st.Transition(ctx, job.ID, s, nil)
		require.NoError(t, err)
	}
	done, err := st.Transition(ctx, job.ID, domain.StatusDone, func(j *domain.Job) error {
		j.ResultURL = "/media/jobs/" + j.ID + "/final/result.png"
		return nil
	})
	require.NoError(t, err)
	return done
}

func newNotifier(st store.Store, secret string) *Notifier {
	return NewNotifier(st, Config{
		Secret:     secret,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
	}, testLogger())
}

func TestNotifier_CompletedDelivery(t *testing.T) {
	sink := &webhookSink{status: http.StatusOK}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	st := store.NewMemoryStore()
	job := seedDoneJob(t, st, srv.URL)

	n := newNotifier(st, "shared-secret")
	n.NotifyCompleted(context.Background(), job)

	reqs := sink.snapshot()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/webhooks/image-processing/completed", reqs[0].Path)
	assert.Equal(t, EventCompleted, reqs[0].Event)

	// The signature must verify over the exact bytes received.
	expected := Sign([]byte("shared-secret"), reqs[0].Body)
	assert.True(t, strings.HasPrefix(reqs[0].Signature, "sha256="))
	assert.True(t, hmac.Equal([]byte(expected), []byte(reqs[0].Signature)))

	var payload Payload
	require.NoError(t, json.Unmarshal(reqs[0].Body, &payload))
	assert.Equal(t, EventCompleted, payload.Event)
	assert.Equal(t, job.ID, payload.JobID)
	assert.NotEmpty(t, payload.Timestamp)
	assert.Equal(t, "https://cdn.example.com/in.png", payload.Data["originalImageUrl"])
	assert.Equal(t, job.ResultURL, payload.Data["processedImageUrl"])
	assert.Equal(t, []interface{}{"person-1", "person-3"}, payload.Data["personIds"])
	assert.NotContains(t, payload.Data, "degraded")

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStateSent, got.WebhookState)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func TestNotifier_FailedDelivery(t *testing.T) {
	sink := &webhookSink{status: http.StatusOK}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	st := store.NewMemoryStore()
	job := &domain.Job{
		ID:         domain.NewJobID(),
		Mode:       domain.ModeEditOnly,
		Status:     domain.StatusQueued,
		InputURL:   "https://cdn.example.com/in.png",
		WebhookURL: srv.URL,
	}
	require.NoError(t, st.Create(context.Background(), job))
	failed, err := st.Transition(context.Background(), job.ID, domain.StatusFailed, func(j *domain.Job) error {
		j.Error = "edit provider unavailable"
		return nil
	})
	require.NoError(t, err)

	n := newNotifier(st, "shared-secret")
	n.NotifyFailed(context.Background(), failed, "edit_failed", "edit provider unavailable")

	reqs := sink.snapshot()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/webhooks/image-processing/failed", reqs[0].Path)
	assert.Equal(t, EventFailed, reqs[0].Event)

	var payload Payload
	require.NoError(t, json.Unmarshal(reqs[0].Body, &payload))
	assert.Equal(t, "edit_failed", payload.Data["code"])
	assert.Equal(t, "edit provider unavailable", payload.Data["message"])

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStateSent, got.WebhookState)
	assert.Equal(t, domain.StatusFailed, got.Status, "delivery must never change job status")
}

func TestNotifier_RetriesThenGivesUp(t *testing.T) {
	sink := &webhookSink{status: http.StatusInternalServerError}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	st := store.NewMemoryStore()
	job := seedDoneJob(t, st, srv.URL)

	n := newNotifier(st, "shared-secret")
	n.NotifyCompleted(context.Background(), job)

	// MaxRetries=2 means exactly three attempts, then stop for good.
	assert.Len(t, sink.snapshot(), 3)

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStateFailed, got.WebhookState)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func TestNotifier_RecoversOnRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := seedDoneJob(t, st, srv.URL)

	n := newNotifier(st, "shared-secret")
	n.NotifyCompleted(context.Background(), job)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStateSent, got.WebhookState)
}

func TestNotifier_NoWebhookURL(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedDoneJob(t, st, "")

	n := newNotifier(st, "shared-secret")
	n.NotifyCompleted(context.Background(), job)

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WebhookState)
}

func TestSign(t *testing.T) {
	sig := Sign([]byte("secret"), []byte(`{"event":"image-processing.completed"}`))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)

	// Deterministic for identical bytes, different for different keys.
	assert.Equal(t, sig, Sign([]byte("secret"), []byte(`{"event":"image-processing.completed"}`)))
	assert.NotEqual(t, sig, Sign([]byte("other"), []byte(`{"event":"image-processing.completed"}`)))
}
