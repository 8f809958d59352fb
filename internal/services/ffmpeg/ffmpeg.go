package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"scribe/internal/config"
	"scribe/internal/services"
)

// Extractor runs the ffmpeg binary to pull audio tracks out of video
// payloads.
type Extractor struct {
	cfg      config.FFmpeg
	runner   func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPath func(string) (string, error)
	timeout  time.Duration
}

// Option customizes the extractor.
type Option func(*Extractor)

// WithRunner overrides command execution (useful for tests).
func WithRunner(runner func(ctx context.Context, name string, args ...string) ([]byte, error)) Option {
	return func(e *Extractor) {
		if runner != nil {
			e.runner = runner
		}
	}
}

// WithLookPath overrides binary resolution (useful for tests).
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(e *Extractor) {
		if lookPath != nil {
			e.lookPath = lookPath
		}
	}
}

// NewExtractor constructs an audio extractor from configuration.
func NewExtractor(cfg config.FFmpeg, opts ...Option) *Extractor {
	timeout := 10 * time.Minute
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	extractor := &Extractor{
		cfg:      cfg,
		runner:   runCommand,
		lookPath: exec.LookPath,
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(extractor)
	}
	return extractor
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.Bytes(), err
	}
	return stderr.Bytes(), nil
}

// Binary returns the ffmpeg command this extractor executes.
func (e *Extractor) Binary() string {
	binary := strings.TrimSpace(e.cfg.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return binary
}

// Available reports whether the ffmpeg binary resolves on PATH.
func (e *Extractor) Available() (string, bool) {
	resolved, err := e.lookPath(e.Binary())
	if err != nil {
		return e.Binary(), false
	}
	return resolved, true
}

// ExtractAudio converts a video file into an audio-only file using the
// configured codec, bitrate, and sample rate.
func (e *Extractor) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if strings.TrimSpace(inputPath) == "" || strings.TrimSpace(outputPath) == "" {
		return services.Wrap(services.ErrValidation, "ffmpeg", "extract", "input and output paths are required", nil)
	}
	if _, ok := e.Available(); !ok {
		return services.Wrap(services.ErrPrecondition, "ffmpeg", "extract",
			fmt.Sprintf("binary %q not found", e.Binary()), nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stderr, err := e.runner(runCtx, e.Binary(), e.extractArgs(inputPath, outputPath)...)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return services.Wrap(services.ErrUpstream, "ffmpeg", "extract",
				fmt.Sprintf("extraction timed out after %s", e.timeout), err)
		}
		if ctx.Err() != nil {
			return services.Wrap(services.ErrCancelled, "ffmpeg", "extract", "extraction cancelled", ctx.Err())
		}
		detail := lastStderrLine(stderr)
		if detail == "" {
			detail = "extraction failed"
		}
		return services.Wrap(services.ErrUpstream, "ffmpeg", "extract", detail, err)
	}
	return nil
}

func (e *Extractor) extractArgs(inputPath, outputPath string) []string {
	codec := e.cfg.AudioCodec
	if codec == "" {
		codec = "libmp3lame"
	}
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", codec,
	}
	if e.cfg.AudioBitrate != "" {
		args = append(args, "-b:a", e.cfg.AudioBitrate)
	}
	if e.cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(e.cfg.SampleRate))
	}
	return append(args, outputPath)
}

func lastStderrLine(stderr []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
