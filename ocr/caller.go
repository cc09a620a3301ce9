package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/paperlane/paperlane/ratelimit"
)

// Terminal error classes surfaced to the pipeline. Rate limiting is
// deliberately absent: a 429 is waited out and retried for as long as
// it takes, never surfaced as a failure of its own.
var (
	// ErrClient marks a request the provider rejected as malformed or
	// out of bounds. Not retryable.
	ErrClient = errors.New("rejected by provider")

	// ErrServer marks a provider or transport fault that persisted
	// through the bounded retries.
	ErrServer = errors.New("provider unavailable")
)

// CallerConfig configures a Caller.
type CallerConfig struct {
	// Endpoint is the document-parse URL.
	Endpoint string

	// APIKey is sent as a bearer token.
	APIKey string

	// Timeout bounds one HTTP round trip. Default: 5m (OCR of a full
	// chunk is slow).
	Timeout time.Duration

	// MaxRetries bounds retries for server-side and transport faults.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base sleep between such retries; attempt n
	// sleeps n × RetryDelay. Default: 10s.
	RetryDelay time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c *CallerConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Caller submits chunk payloads to the external OCR endpoint, one at a
// time. It consults the rate-limit learner before every request and
// feeds every outcome back into it.
type Caller struct {
	cfg     CallerConfig
	client  *http.Client
	learner *ratelimit.Learner
	logger  *slog.Logger
}

// NewCaller creates a Caller bound to a learner.
func NewCaller(cfg CallerConfig, learner *ratelimit.Learner) *Caller {
	cfg.defaults()
	return &Caller{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		learner: learner,
		logger:  cfg.Logger,
	}
}

// parseResponse covers the provider's result shapes.
type parseResponse struct {
	Content struct {
		HTML string `json:"html"`
	} `json:"content"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Call submits one chunk file and returns its HTML.
//
// Before each attempt the caller waits out any remaining cooldown, then
// any proactive throttle delay, then records the request. Responses are
// classified: 429 sets an escalating cooldown and retries without a
// ceiling; 4xx returns ErrClient immediately; 5xx and transport faults
// retry MaxRetries times with incrementing sleeps, then return
// ErrServer. The only way to abandon a rate-limited chunk is cancelling
// ctx.
func (c *Caller) Call(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat chunk: %w", err)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("file %s exceeds provider limit (%d bytes): %w",
			filepath.Base(path), info.Size(), ErrClient)
	}

	transientFailures := 0
	for {
		if rem := c.learner.CheckCooldown(); rem > 0 {
			c.logger.Info("waiting out cooldown", "file", filepath.Base(path), "remaining", rem.Round(time.Second))
			if err := sleep(ctx, rem); err != nil {
				return "", err
			}
		}
		if throttle, wait := c.learner.ShouldThrottle(); throttle {
			c.logger.Debug("throttling request", "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
		}
		c.learner.RecordRequest()

		resp, body, err := c.post(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			transientFailures++
			if transientFailures > c.cfg.MaxRetries {
				return "", fmt.Errorf("transport failed after %d attempts: %w", transientFailures, ErrServer)
			}
			c.logger.Warn("transport error, retrying", "attempt", transientFailures, "error", err)
			if err := sleep(ctx, time.Duration(transientFailures)*c.cfg.RetryDelay); err != nil {
				return "", err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			rej := c.learner.RecordRejection()
			wait, count := c.learner.SetCooldown()
			c.logger.Warn("rate limited",
				"rate_1min", rej.Rates.Rate1Min,
				"rate_5min_avg", rej.Rates.Rate5Min,
				"rate_10min_avg", rej.Rates.Rate10Min,
				"old_limit", rej.OldLimit,
				"new_limit", rej.NewLimit,
				"success_samples", rej.SuccessSamples,
				"cooldown", wait,
				"consecutive", count)
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
			continue

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return "", fmt.Errorf("%s: %w", providerMessage(body, resp.StatusCode), ErrClient)

		case resp.StatusCode >= 500:
			transientFailures++
			if transientFailures > c.cfg.MaxRetries {
				return "", fmt.Errorf("server error %d after %d attempts: %w",
					resp.StatusCode, transientFailures, ErrServer)
			}
			c.logger.Warn("server error, retrying", "status", resp.StatusCode, "attempt", transientFailures)
			if err := sleep(ctx, time.Duration(transientFailures)*c.cfg.RetryDelay); err != nil {
				return "", err
			}
			continue
		}

		// Success.
		c.learner.ConfirmSuccess()
		c.learner.RecordSuccess()

		var parsed parseResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("unreadable provider response: %w", ErrServer)
		}
		switch {
		case parsed.Content.HTML != "":
			return parsed.Content.HTML, nil
		case parsed.HTML != "":
			return parsed.HTML, nil
		case parsed.Text != "":
			return "<p>" + parsed.Text + "</p>", nil
		default:
			return "", fmt.Errorf("provider response missing html content: %w", ErrServer)
		}
	}
}

// post uploads the chunk as multipart form data.
func (c *Caller) post(ctx context.Context, path string) (*http.Response, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"ocr":            "force",
		"output_formats": `["html"]`,
		"model":          "document-parse",
		"coordinates":    "false",
	} {
		if err := w.WriteField(k, v); err != nil {
			return nil, nil, fmt.Errorf("write field: %w", err)
		}
	}
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return nil, nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, nil, fmt.Errorf("copy chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &buf)
	if err != nil {
		return nil, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

// providerMessage extracts a short human-readable reason from an error
// body without leaking the raw payload.
func providerMessage(body []byte, status int) string {
	var parsed parseResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return fmt.Sprintf("provider error %d", status)
	}
	return s
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
