// Package media manages the per-job artifact tree under the media
// root and maps local artifacts to public URLs.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
)

// Storage resolves artifact locators into local files and local files
// into public URLs. Every job owns one directory tree below
// <root>/jobs/<job_id>.
type Storage struct {
	root          string
	publicBase    string
	domainBaseURL string
	client        *http.Client
}

// Config holds media storage settings.
type Config struct {
	Root          string
	PublicBase    string
	DomainBaseURL string
	HTTPTimeout   time.Duration
}

// NewStorage creates a Storage rooted at cfg.Root.
func NewStorage(cfg Config) *Storage {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	publicBase := cfg.PublicBase
	if publicBase == "" {
		publicBase = "/media"
	}
	return &Storage{
		root:          filepath.Clean(cfg.Root),
		publicBase:    strings.TrimRight(publicBase, "/"),
		domainBaseURL: strings.TrimRight(cfg.DomainBaseURL, "/"),
		client:        &http.Client{Timeout: timeout},
	}
}

// Tree holds the artifact directories of one job.
type Tree struct {
	Base  string
	Input string
	Faces string
	Edit  string
	Final string
}

// InputFile is the normalized input artifact path.
func (t Tree) InputFile() string { return filepath.Join(t.Input, "input.png") }

// EditedFile is the edit stage output path.
func (t Tree) EditedFile() string { return filepath.Join(t.Edit, "edited.png") }

// FinalFile is the committed result path.
func (t Tree) FinalFile() string { return filepath.Join(t.Final, "result.png") }

// FaceFile is the downloaded face artifact for the given original
// request-order index.
func (t Tree) FaceFile(index int) string {
	return filepath.Join(t.Faces, fmt.Sprintf("f%d.png", index))
}

// StepFile is an intermediate fold artifact for one swap position.
func (t Tree) StepFile(step int) string {
	return filepath.Join(t.Final, fmt.Sprintf("step_%d.png", step))
}

// JobDir returns the base directory for a job.
func (s *Storage) JobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", jobID)
}

// EnsureTree creates the job's directory structure.
func (s *Storage) EnsureTree(jobID string) (Tree, error) {
	base := s.JobDir(jobID)
	tree := Tree{
		Base:  base,
		Input: filepath.Join(base, "input"),
		Faces: filepath.Join(base, "faces"),
		Edit:  filepath.Join(base, "edit"),
		Final: filepath.Join(base, "final"),
	}
	for _, dir := range []string{tree.Input, tree.Faces, tree.Edit, tree.Final} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Tree{}, fmt.Errorf("failed to create artifact dir: %w", err)
		}
	}
	return tree, nil
}

// Resolve materializes a locator into dest: http(s) locators are
// downloaded, anything else is treated as a local path and copied.
func (s *Storage) Resolve(ctx context.Context, locator, dest string) error {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return s.Download(ctx, locator, dest)
	}
	if _, err := os.Stat(locator); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrResourceNotFound, locator)
	}
	return CopyFile(locator, dest)
}

// Download fetches a URL into dest. Non-200 responses are errors.
func (s *Storage) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s (%d)", url, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create download target: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write download target: %w", err)
	}
	return nil
}

// PublicURL maps an absolute path under the media root to its public
// URL.
func (s *Storage) PublicURL(absPath string) (string, error) {
	clean := filepath.Clean(absPath)
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path not under media root: %s", absPath)
	}
	rel := filepath.ToSlash(strings.TrimPrefix(clean, s.root))
	url := s.publicBase + rel
	if s.domainBaseURL != "" {
		return s.domainBaseURL + url, nil
	}
	return url, nil
}

// WriteParams snapshots the job's processing parameters into
// params.json inside the job tree.
func (s *Storage) WriteParams(tree Tree, job *domain.Job) error {
	snapshot := map[string]interface{}{
		"mode":        job.Mode,
		"input_url":   job.InputURL,
		"faces":       job.Faces,
		"params":      job.Params,
		"webhook_url": job.WebhookURL,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal params snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tree.Base, "params.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write params snapshot: %w", err)
	}
	return nil
}

// AppendLog appends one line to the job's logs.txt.
func (s *Storage) AppendLog(tree Tree, line string) error {
	f, err := os.OpenFile(filepath.Join(tree.Base, "logs.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open job log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	return err
}

// CopyFile copies src to dst, truncating dst if it exists.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Sync()
}
