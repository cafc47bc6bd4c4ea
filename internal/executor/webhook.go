package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/berth/pkg/model"
)

// WebhookExecutor starts deployments by POSTing them to an external endpoint.
// Any 2xx response means the remote side accepted and started the deployment;
// it later reports completion through the API.
type WebhookExecutor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookExecutor creates a WebhookExecutor that posts to url.
func NewWebhookExecutor(url string, logger *slog.Logger) *WebhookExecutor {
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "webhook-executor"),
	}
}

// Type returns TypeWebhook.
func (e *WebhookExecutor) Type() Type {
	return TypeWebhook
}

// startEvent is the body posted to the webhook.
type startEvent struct {
	Event      string            `json:"event"`
	Deployment *model.Deployment `json:"deployment"`
	SentAt     time.Time         `json:"sent_at"`
}

// Start posts the deployment and maps the response status to success or failure.
func (e *WebhookExecutor) Start(ctx context.Context, d *model.Deployment) error {
	body, err := json.Marshal(startEvent{Event: "deployment.start", Deployment: d, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("deployment %s: marshal start event: %w", d.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deployment %s: build request: %w", d.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Berth-Deployment-ID", d.ID)

	e.logger.Debug("posting start event", "deployment_id", d.ID, "url", e.url)
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("deployment %s: webhook: %w", d.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deployment %s: webhook returned %d: %s", d.ID, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
