package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearzoom/image-processor/internal/api/handler"
	"github.com/nearzoom/image-processor/internal/api/router"
	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/executor"
	"github.com/nearzoom/image-processor/internal/media"
	"github.com/nearzoom/image-processor/internal/pipeline"
	"github.com/nearzoom/image-processor/internal/service"
	"github.com/nearzoom/image-processor/internal/store"
)

type passEditor struct{}

func (passEditor) Edit(_ context.Context, inputPath, outputPath string, _ domain.EditParams) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

type passSwapper struct{}

func (passSwapper) SwapOne(_ context.Context, _, target, output string, _ int) error {
	data, err := os.ReadFile(target)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

type apiFixture struct {
	engine  *gin.Engine
	store   *store.MemoryStore
	input   string
	cleanup func()
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	ms := media.NewStorage(media.Config{Root: t.TempDir()})

	edits := executor.NewEditExecutor(passEditor{}, false, 2, logger)
	edits.Start(context.Background())
	swaps := executor.NewSwapExecutor(passSwapper{}, 4, logger)
	swaps.Start(context.Background())

	dispatcher := pipeline.NewDispatcher(8, logger)
	orch := pipeline.NewOrchestrator(st, ms, edits, swaps, nil, nil, logger)
	svc := service.NewJobService(st, dispatcher, orch, swaps, nil, logger)

	input := filepath.Join(t.TempDir(), "input.png")
	require.NoError(t, os.WriteFile(input, []byte("raw"), 0o644))

	engine := router.SetupRouter(&handler.Dependencies{
		Logger: logger,
		Jobs:   svc,
	}, router.Options{})

	return &apiFixture{
		engine: engine,
		store:  st,
		input:  input,
		cleanup: func() {
			dispatcher.Wait()
			edits.Stop()
			swaps.Stop()
		},
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"mode":      "edit_only",
		"input_url": f.input,
		"edit":      gin.H{"type": "prompt", "prompt": "make it winter"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "edit_only", resp["mode"])
	assert.NotEmpty(t, resp["job_id"])

	// No webhook target on the request, so no delivery state either.
	assert.NotContains(t, resp, "webhook_state")
}

func TestCreateJob_BadRequests(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	tests := []struct {
		name string
		body gin.H
	}{
		{name: "missing input_url", body: gin.H{"mode": "edit_only"}},
		{name: "unknown mode", body: gin.H{"mode": "sideways", "input_url": f.input}},
		{
			name: "edit mode without params",
			body: gin.H{"mode": "edit_only", "input_url": f.input},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateEditJob(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/edit", gin.H{
		"input_url": f.input,
		"edit":      gin.H{"type": "color", "color": "auburn"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "edit_only", resp["mode"])
}

func TestCreateSwapJob(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	facePath := filepath.Join(t.TempDir(), "face.png")
	require.NoError(t, os.WriteFile(facePath, []byte("face"), 0o644))

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/swap", gin.H{
		"input_url": f.input,
		"faces":     []gin.H{{"id": "person-1", "url": facePath}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "swap_only", resp["mode"])
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/edit", gin.H{
		"input_url": f.input,
		"edit":      gin.H{"type": "prompt", "prompt": "winter"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID := created["job_id"].(string)

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), jobID)
		return err == nil && got.Status == domain.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["status"])
	assert.Equal(t, float64(100), resp["progress"])
	assert.NotEmpty(t, resp["result_url"])
	assert.NotEmpty(t, resp["events"])
}

func TestGetJob_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	for i := 0; i < 3; i++ {
		job := &domain.Job{
			ID:       fmt.Sprintf("20250101-00000%d-abcdef", i),
			Mode:     domain.ModeEditOnly,
			Status:   domain.StatusQueued,
			InputURL: "https://example.com/in.png",
		}
		require.NoError(t, f.store.Create(context.Background(), job))
		time.Sleep(time.Millisecond)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs?page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []struct {
			JobID string `json:"job_id"`
		} `json:"jobs"`
		NextCursor string `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "20250101-000002-abcdef", resp.Jobs[0].JobID)
	assert.NotEmpty(t, resp.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?cursor=not-base64", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["swap_queue_depth"])
	assert.Equal(t, float64(0), resp["active_pipelines"])
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.ElementsMatch(t, []interface{}{"edit_only", "swap_only", "both"}, body["modes"])
	assert.Contains(t, body, "active_pipelines")
}
