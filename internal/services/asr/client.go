package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"scribe/internal/config"
)

const defaultHTTPTimeout = 5 * time.Minute

// Client talks to an OpenAI-compatible audio transcription endpoint.
type Client struct {
	cfg        config.ASR
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a transcription client from configuration.
func NewClient(cfg config.ASR, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: config.ASR{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			Model:          strings.TrimSpace(cfg.Model),
			Quality:        strings.TrimSpace(cfg.Quality),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Segment is one timed span of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the recognized text for one audio payload.
type Transcription struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Request carries one transcription call.
type Request struct {
	Audio    io.Reader
	Filename string
	// Quality overrides the configured quality level when non-empty.
	Quality string
}

// Transcribe uploads an audio payload and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, req Request) (*Transcription, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("asr transcribe: base url required")
	}
	if req.Audio == nil {
		return nil, errors.New("asr transcribe: audio payload required")
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "audio.mp3"
	}
	quality := req.Quality
	if quality == "" {
		quality = c.cfg.Quality
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, req.Audio)
		}
		if err == nil && c.cfg.Model != "" {
			err = form.WriteField("model", c.cfg.Model)
		}
		if err == nil && quality != "" {
			err = form.WriteField("quality", quality)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", pr)
	if err != nil {
		return nil, fmt.Errorf("asr transcribe: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("asr transcribe: http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("asr transcribe: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("asr transcribe: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Transcription
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("asr transcribe: decode response: %w", err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, errors.New("asr transcribe: empty transcription")
	}
	return &result, nil
}

// HealthCheck verifies the transcription endpoint responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return errors.New("asr health: base url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("asr health: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("asr health: http error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("asr health: http %d", resp.StatusCode)
	}
	return nil
}
