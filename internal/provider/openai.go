// Package provider wraps the external tools behind the stage
// executors: the hosted image-edit API and the local face-swap CLI.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
)

// OpenAIConfig holds image-edit API settings.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
	Timeout time.Duration
}

// OpenAIClient performs AI image edits through the images/edits
// endpoint.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	size    string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a client. Zero values fall back to the
// hosted API, gpt-image-1 and 1024x1024.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-image-1"
	}
	size := cfg.Size
	if size == "" {
		size = "1024x1024"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		size:    size,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Configured reports whether an API key is present. Without one the
// edit stage runs in degraded pass-through mode.
func (c *OpenAIClient) Configured() bool {
	return c.apiKey != ""
}

type imageEditResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Edit sends inputPath through the images/edits endpoint and writes
// the returned image to outputPath.
func (c *OpenAIClient) Edit(ctx context.Context, inputPath, outputPath string, params domain.EditParams) error {
	prompt := buildPrompt(params)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input image: %w", err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile("image", filepath.Base(inputPath))
	if err != nil {
		return fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to attach input image: %w", err)
	}

	fields := map[string]string{
		"model":          c.model,
		"prompt":         prompt,
		"size":           c.size,
		"input_fidelity": "high",
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", body)
	if err != nil {
		return fmt.Errorf("failed to build edit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("edit request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read edit response: %w", err)
	}

	var parsed imageEditResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("failed to decode edit response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return fmt.Errorf("edit API returned %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return fmt.Errorf("edit API returned %d", resp.StatusCode)
	}
	if len(parsed.Data) == 0 {
		return fmt.Errorf("edit API returned no images")
	}

	c.logger.Info("Image edit completed",
		slog.String("model", c.model),
		slog.Duration("duration", time.Since(start)),
	)

	item := parsed.Data[0]
	switch {
	case item.B64JSON != "":
		decoded, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return fmt.Errorf("failed to decode edited image: %w", err)
		}
		if err := os.WriteFile(outputPath, decoded, 0o644); err != nil {
			return fmt.Errorf("failed to write edited image: %w", err)
		}
		return nil
	case item.URL != "":
		return c.download(ctx, item.URL, outputPath)
	default:
		return fmt.Errorf("edit API returned an empty image entry")
	}
}

func (c *OpenAIClient) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build image download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download edited image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("edited image download returned %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create edited image file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write edited image file: %w", err)
	}
	return nil
}

// buildPrompt turns structured edit parameters into the instruction
// sent to the model.
func buildPrompt(params domain.EditParams) string {
	switch params.Type {
	case domain.EditTypeColor:
		color := params.Color
		if color == "" {
			color = "natural"
		}
		prompt := fmt.Sprintf(
			"Change the hair color of the person in the image to %s. "+
				"Keep the face, skin tone, lighting and background unchanged.", color)
		if params.UseFaceMask {
			prompt += " Only modify the hair region."
		}
		return prompt
	default:
		return params.Prompt
	}
}
