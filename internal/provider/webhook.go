package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// WebhookConfig configures the webhook provider.
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WebhookProvider POSTs the rendered notification as JSON to the recipient's
// webhook URL.
type WebhookProvider struct {
	client *http.Client
	config WebhookConfig
	logger *zap.Logger
}

// NewWebhookProvider creates the webhook provider.
func NewWebhookProvider(cfg WebhookConfig, logger *zap.Logger) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

func (p *WebhookProvider) Name() string                  { return "webhook" }
func (p *WebhookProvider) Channel() notification.Channel { return notification.ChannelWebhook }

func (p *WebhookProvider) Validate(_ notification.Event, r notification.Recipient) notification.ValidationResult {
	if r.WebhookURL == "" {
		return notification.ValidationResult{Valid: false, Errors: []string{"recipient has no webhook url"}}
	}
	return notification.ValidationResult{Valid: true}
}

type webhookPayload struct {
	NotificationID string                 `json:"notification_id"`
	TenantID       string                 `json:"tenant_id"`
	EventType      string                 `json:"event_type"`
	Subject        string                 `json:"subject,omitempty"`
	Body           string                 `json:"body"`
	Priority       string                 `json:"priority"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SentAt         time.Time              `json:"sent_at"`
}

func (p *WebhookProvider) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	payload := webhookPayload{
		NotificationID: msg.Event.ID,
		TenantID:       msg.TenantID,
		EventType:      msg.Event.EventType,
		Subject:        content.Subject,
		Body:           content.Body,
		Priority:       msg.Priority.String(),
		Metadata:       msg.Event.Metadata,
		SentAt:         time.Now().UTC(),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "marshal_error", ErrorMessage: err.Error(), Retryable: false}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient.WebhookURL, bytes.NewReader(buf))
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "bad_url", ErrorMessage: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NotifyX-Event", msg.Event.EventType)

	resp, err := p.client.Do(req)
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "http_transport", ErrorMessage: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyHTTPStatus(resp.StatusCode, msg.ID)
}

// classifyHTTPStatus maps HTTP responses onto the delivery error taxonomy:
// 5xx and 429 retry, other 4xx are permanent.
func classifyHTTPStatus(status int, msgID string) notification.DeliveryResult {
	switch {
	case status >= 200 && status < 300:
		return notification.DeliveryResult{Success: true, ProviderMessageID: fmt.Sprintf("wh-%s", msgID)}
	case status == http.StatusTooManyRequests:
		return notification.DeliveryResult{Success: false, ErrorCode: "http_429", ErrorMessage: "rate limited by endpoint", Retryable: true}
	case status >= 500:
		return notification.DeliveryResult{Success: false, ErrorCode: fmt.Sprintf("http_%d", status), ErrorMessage: http.StatusText(status), Retryable: true}
	default:
		return notification.DeliveryResult{Success: false, ErrorCode: fmt.Sprintf("http_%d", status), ErrorMessage: http.StatusText(status), Retryable: false}
	}
}

func (p *WebhookProvider) Health(context.Context) error { return nil }

func (p *WebhookProvider) Configure(settings map[string]interface{}) error {
	if v, ok := settings["timeout_ms"].(int); ok && v > 0 {
		p.config.Timeout = time.Duration(v) * time.Millisecond
		p.client.Timeout = p.config.Timeout
	}
	return nil
}
