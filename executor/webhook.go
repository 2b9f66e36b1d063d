package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liamcoop/automations/rules"
)

// WebhookExecutor POSTs each firing as a JSON Message to the desktop
// client. Any non-2xx response is an error.
type WebhookExecutor struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookExecutor creates a webhook executor. A non-positive timeout
// defaults to 10s.
func NewWebhookExecutor(target string, headers map[string]string, timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookExecutor{
		url:     target,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Execute delivers f.
func (e *WebhookExecutor) Execute(ctx context.Context, f rules.Firing) error {
	msg, err := NewMessage(f)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
