// Package sink implements the off-device destinations for violation reports.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proctord/internal/proctor"
)

// ViolationPath is the endpoint reports are posted to, relative to the base URL.
const ViolationPath = "/api/log-violation"

// HTTPConfig configures the HTTP sink.
type HTTPConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// HTTP posts each report as JSON to a remote log-violation endpoint.
type HTTP struct {
	endpoint   string
	token      string
	maxRetries int
	backoff    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink: server returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// NewHTTP creates an HTTP sink.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("sink: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + ViolationPath,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("sink", "http"),
	}, nil
}

// Endpoint returns the full URL reports are posted to.
func (h *HTTP) Endpoint() string {
	return h.endpoint
}

// Report posts r, retrying transport failures and retryable statuses with
// doubling backoff.
func (h *HTTP) Report(ctx context.Context, r proctor.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sink: encode report: %w", err)
	}

	var lastErr error
	delay := h.backoff
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			h.logger.Debug("retrying report", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("sink: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = h.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		var se *StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (h *HTTP) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
