package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/executor"
	"github.com/nearzoom/image-processor/internal/media"
	"github.com/nearzoom/image-processor/internal/store"
)

type stubEditor struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *stubEditor) Edit(_ context.Context, inputPath, outputPath string, _ domain.EditParams) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("edit provider unavailable")
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append(data, []byte("|edited")...), 0o644)
}

type stubSwapper struct {
	mu        sync.Mutex
	positions []int
	targets   []string
	fail      bool
}

func (s *stubSwapper) SwapOne(_ context.Context, sourceFace, target, output string, position int) error {
	s.mu.Lock()
	s.positions = append(s.positions, position)
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("tool crashed")
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append(data, []byte(fmt.Sprintf("|swap%d", position))...), 0o644)
}

type stubNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	codes     []string
}

func (n *stubNotifier) NotifyCompleted(_ context.Context, job *domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
}

func (n *stubNotifier) NotifyFailed(_ context.Context, job *domain.Job, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	n.codes = append(n.codes, code)
}

type pipelineFixture struct {
	store    *store.MemoryStore
	media    *media.Storage
	editor   *stubEditor
	swapper  *stubSwapper
	notifier *stubNotifier
	orch     *Orchestrator
	input    string
	facePath string
	cleanup  func()
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	root := t.TempDir()
	st := store.NewMemoryStore()
	ms := media.NewStorage(media.Config{Root: root})

	editor := &stubEditor{}
	swapper := &stubSwapper{}
	notifier := &stubNotifier{}

	edits := executor.NewEditExecutor(editor, false, 2, testLogger())
	edits.Start(context.Background())
	swaps := executor.NewSwapExecutor(swapper, 4, testLogger())
	swaps.Start(context.Background())

	srcDir := t.TempDir()
	input := filepath.Join(srcDir, "source.png")
	require.NoError(t, os.WriteFile(input, []byte("raw"), 0o644))
	facePath := filepath.Join(srcDir, "face.png")
	require.NoError(t, os.WriteFile(facePath, []byte("face"), 0o644))

	return &pipelineFixture{
		store:    st,
		media:    ms,
		editor:   editor,
		swapper:  swapper,
		notifier: notifier,
		orch:     NewOrchestrator(st, ms, edits, swaps, notifier, nil, testLogger()),
		input:    input,
		facePath: facePath,
		cleanup: func() {
			edits.Stop()
			swaps.Stop()
		},
	}
}

func (f *pipelineFixture) createJob(t *testing.T, mode domain.Mode, faces []domain.FaceRef) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:           domain.NewJobID(),
		Mode:         mode,
		Status:       domain.StatusQueued,
		InputURL:     f.input,
		Faces:        faces,
		WebhookURL:   "http://consumer.local",
		WebhookState: domain.WebhookStatePending,
		Params: domain.Params{
			Edit: &domain.EditParams{Type: domain.EditTypePrompt, Prompt: "winter"},
		},
	}
	require.NoError(t, f.store.Create(context.Background(), job))
	return job
}

func eventNames(t *testing.T, st store.Store, jobID string) []string {
	t.Helper()
	events, err := st.ListEvents(context.Background(), jobID)
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

func TestOrchestrator_BothModeWithFaces(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	// Index 1 is empty and must be skipped without compacting the
	// position passed for index 2.
	job := f.createJob(t, domain.ModeBoth, []domain.FaceRef{
		{ID: "p0", URL: f.facePath},
		{URL: ""},
		{ID: "p2", URL: f.facePath},
	})

	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Error)
	assert.Contains(t, got.ResultURL, "/media/jobs/"+job.ID+"/final/result.png")

	assert.Equal(t, []int{0, 2}, f.swapper.positions)
	// The second swap's target is the first swap's output, not the
	// edited artifact.
	require.Len(t, f.swapper.targets, 2)
	assert.Contains(t, f.swapper.targets[0], "edited.png")
	assert.Contains(t, f.swapper.targets[1], "step_1.png")

	final, err := os.ReadFile(filepath.Join(f.media.JobDir(job.ID), "final", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, "raw|edited|swap0|swap2", string(final))

	assert.Equal(t, []string{
		"queued", "editing", "edited", "swapping", "finalizing", "done",
	}, eventNames(t, f.store, job.ID))

	assert.Equal(t, []string{job.ID}, f.notifier.completed)
	assert.Empty(t, f.notifier.failed)
}

func TestOrchestrator_BothModeNoFacesShortcut(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	job := f.createJob(t, domain.ModeBoth, nil)
	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Empty(t, f.swapper.positions, "swap stage must never run without faces")

	final, err := os.ReadFile(filepath.Join(f.media.JobDir(job.ID), "final", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, "raw|edited", string(final))

	assert.Equal(t, []string{
		"queued", "editing", "edited", "swap:skipped", "finalizing", "done",
	}, eventNames(t, f.store, job.ID))
}

func TestOrchestrator_EditOnly(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	job := f.createJob(t, domain.ModeEditOnly, nil)
	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 100, got.Progress)

	names := eventNames(t, f.store, job.ID)
	assert.Equal(t, []string{"queued", "editing", "edited", "done"}, names)
	assert.Empty(t, f.swapper.positions)

	final, err := os.ReadFile(filepath.Join(f.media.JobDir(job.ID), "final", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, "raw|edited", string(final))
}

func TestOrchestrator_SwapOnlyEmptyFacesPassThrough(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	job := f.createJob(t, domain.ModeSwapOnly, []domain.FaceRef{{URL: ""}})
	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 0, f.editor.calls)
	assert.Empty(t, f.swapper.positions)

	final, err := os.ReadFile(filepath.Join(f.media.JobDir(job.ID), "final", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(final))
}

func TestOrchestrator_EditFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	f.editor.fail = true
	job := f.createJob(t, domain.ModeBoth, []domain.FaceRef{{URL: f.facePath}})
	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 20, got.Progress, "failed must keep the last stage's progress")
	assert.Contains(t, got.Error, "edit provider unavailable")

	assert.Empty(t, f.swapper.positions, "swap must never run after a failed edit")
	assert.Equal(t, []string{"queued", "editing", "failed"}, eventNames(t, f.store, job.ID))

	assert.Empty(t, f.notifier.completed)
	assert.Equal(t, []string{job.ID}, f.notifier.failed)
	assert.Equal(t, []string{"edit_failed"}, f.notifier.codes)
}

func TestOrchestrator_SwapFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	f.swapper.fail = true
	job := f.createJob(t, domain.ModeSwapOnly, []domain.FaceRef{{URL: f.facePath}})
	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 60, got.Progress)
	assert.Contains(t, got.Error, "tool crashed")
	assert.Equal(t, []string{"swap_failed"}, f.notifier.codes)
}

func TestOrchestrator_MissingInputFailsJob(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	job := f.createJob(t, domain.ModeEditOnly, nil)
	require.NoError(t, os.Remove(f.input))

	f.orch.Run(ctx, job.ID)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Contains(t, got.Error, "failed to resolve input")
	assert.Equal(t, 0, f.editor.calls)
}
