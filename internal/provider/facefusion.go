package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// FaceFusionConfig holds the face-swap CLI settings.
type FaceFusionConfig struct {
	Python  string
	Script  string
	Model   string
	Timeout time.Duration
}

// FaceFusion invokes the face-swap CLI for a single face position per
// run. The tool owns the GPU; callers must serialize invocations.
type FaceFusion struct {
	python  string
	script  string
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFaceFusion creates the CLI wrapper. Zero values fall back to
// python3, inswapper_128_fp16 and a 10 minute run timeout.
func NewFaceFusion(cfg FaceFusionConfig, logger *slog.Logger) *FaceFusion {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	model := cfg.Model
	if model == "" {
		model = "inswapper_128_fp16"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FaceFusion{
		python:  python,
		script:  cfg.Script,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// SwapOne substitutes the face at the given position in the target
// image with the source face, writing the result to output.
func (f *FaceFusion) SwapOne(ctx context.Context, sourceFace, target, output string, position int) error {
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	args := []string{
		f.script,
		"headless-run",
		"-s", sourceFace,
		"-t", target,
		"-o", output,
		"--face-swapper-model", f.model,
		"--face-selector-order", "left-right",
		"--reference-face-position", strconv.Itoa(position),
	}

	f.logger.Info("Invoking face-swap tool",
		slog.String("target", target),
		slog.Int("position", position),
	)

	start := time.Now()
	cmd := exec.CommandContext(runCtx, f.python, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("face-swap tool failed: %w: %s", err, tail(out, 512))
	}

	// The tool exits zero even for some failure modes; the output file
	// is the source of truth.
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("face-swap tool produced no output: %s", tail(out, 512))
	}

	f.logger.Info("Face-swap tool finished",
		slog.Int("position", position),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// tail returns the last n bytes of tool output for error reporting.
func tail(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
