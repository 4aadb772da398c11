package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderSignature = "X-Signature"
)

// DefaultWebhookTimeout bounds a single webhook delivery.
const DefaultWebhookTimeout = 30 * time.Second

// WebhookClient delivers webhook_call actions.
type WebhookClient struct {
	client *http.Client
	signer *Signer
	logger *slog.Logger
}

// NewWebhookClient creates a client. A nil signer sends unsigned requests.
func NewWebhookClient(timeout time.Duration, signer *Signer, logger *slog.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		signer: signer,
		logger: logger,
	}
}

// PostWebhook POSTs body as JSON to url. Any non-2xx response is an error.
func (c *WebhookClient) PostWebhook(ctx context.Context, tenantID, url string, body WebhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, tenantID)
	if c.signer != nil {
		req.Header.Set(HeaderSignature, c.signer.Sign(data))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}

	c.logger.Debug("Webhook delivered",
		slog.String("tenant_id", tenantID),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode))
	return nil
}
