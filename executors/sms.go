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

// HTTPSMSGateway sends SMS through a provider that accepts a JSON POST of
// {to, message, tenantId}.
type HTTPSMSGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSMSGateway creates a gateway posting to endpoint.
// apiKey, when set, is sent as a bearer token.
func NewHTTPSMSGateway(endpoint, apiKey string, timeout time.Duration) *HTTPSMSGateway {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &HTTPSMSGateway{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type smsRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	TenantID string `json:"tenantId"`
}

func (g *HTTPSMSGateway) SendSMS(ctx context.Context, tenantID, to, message string) error {
	data, err := json.Marshal(smsRequest{To: to, Message: message, TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, tenantID)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSMSSender only logs messages. It is used when no gateway is configured.
type LogSMSSender struct {
	logger *slog.Logger
}

func NewLogSMSSender(logger *slog.Logger) *LogSMSSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) SendSMS(ctx context.Context, tenantID, to, message string) error {
	s.logger.InfoContext(ctx, "SMS (not delivered, no gateway configured)",
		slog.String("tenant_id", tenantID),
		slog.String("to", to),
		slog.Int("length", len(message)))
	return nil
}
