package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Callback is the payload posted back to the workflow's resume URL when a
// stream ends. Token counts are null when unknown.
type Callback struct {
	UserID       string `json:"userId"`
	ChatID       string `json:"chatId"`
	Prompt       string `json:"prompt"`
	Answer       string `json:"answer"`
	InputTokens  *int   `json:"input_tokens"`
	OutputTokens *int   `json:"output_tokens"`
}

// Notifier posts completion callbacks. Best-effort: by the time it runs the
// stream has already closed, so failures are logged and swallowed.
type Notifier struct {
	httpClient *http.Client
	logger     *logrus.Entry
}

// Config holds configuration for the notifier
type Config struct {
	Timeout time.Duration // Default: 30s
}

// New creates a notifier with a bounded request timeout.
func New(config Config, logger *logrus.Entry) *Notifier {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Notifier{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// Notify posts the callback to resumeURL. Any failure is logged, never
// returned: there is no one left to report it to synchronously.
func (n *Notifier) Notify(ctx context.Context, resumeURL string, cb Callback) {
	if err := n.post(ctx, resumeURL, cb); err != nil {
		n.logger.WithFields(logrus.Fields{
			"resumeUrl": resumeURL,
			"userId":    cb.UserID,
			"chatId":    cb.ChatID,
		}).WithError(err).Warn("resume callback failed")
	}
}

func (n *Notifier) post(ctx context.Context, resumeURL string, cb Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", resumeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
