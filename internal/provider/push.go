package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// PushConfig configures the FCM-style push provider.
type PushConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	ServerKey string        `mapstructure:"server_key" yaml:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// LegacyAuthHeader keeps the historical "key =<key>" header form that
	// some proxy deployments still depend on. Off by default.
	LegacyAuthHeader bool `mapstructure:"legacy_auth_header" yaml:"legacy_auth_header"`
}

// PushProvider sends device notifications through an FCM legacy HTTP endpoint.
type PushProvider struct {
	client *http.Client
	config PushConfig
	logger *zap.Logger
}

// NewPushProvider creates the push provider.
func NewPushProvider(cfg PushConfig, logger *zap.Logger) *PushProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://fcm.googleapis.com/fcm/send"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PushProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

func (p *PushProvider) Name() string                  { return "fcm-push" }
func (p *PushProvider) Channel() notification.Channel { return notification.ChannelPush }

func (p *PushProvider) Validate(_ notification.Event, r notification.Recipient) notification.ValidationResult {
	if r.DeviceID == "" {
		return notification.ValidationResult{Valid: false, Errors: []string{"recipient has no device id"}}
	}
	return notification.ValidationResult{Valid: true}
}

type pushMessage struct {
	To           string                 `json:"to"`
	Notification map[string]string      `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type pushResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (p *PushProvider) authHeader() string {
	if p.config.LegacyAuthHeader {
		return "key =" + p.config.ServerKey
	}
	return "key=" + p.config.ServerKey
}

func (p *PushProvider) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	payload := pushMessage{
		To: msg.Recipient.DeviceID,
		Notification: map[string]string{
			"title": content.Subject,
			"body":  content.Body,
		},
		Data: msg.Event.Metadata,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "marshal_error", ErrorMessage: err.Error(), Retryable: false}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "bad_url", ErrorMessage: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", p.authHeader())

	resp, err := p.client.Do(req)
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "http_transport", ErrorMessage: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPStatus(resp.StatusCode, msg.ID)
	}

	var body pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "bad_response", ErrorMessage: err.Error(), Retryable: true}
	}
	if body.Failure > 0 && len(body.Results) > 0 && body.Results[0].Error != "" {
		code := body.Results[0].Error
		return notification.DeliveryResult{
			Success:      false,
			ErrorCode:    "fcm_" + code,
			ErrorMessage: "fcm rejected message: " + code,
			Retryable:    isPushRetryable(code),
		}
	}
	var id string
	if len(body.Results) > 0 {
		id = body.Results[0].MessageID
	}
	return notification.DeliveryResult{Success: true, ProviderMessageID: id}
}

// isPushRetryable: unavailable and internal errors retry; bad tokens and
// oversized payloads do not.
func isPushRetryable(code string) bool {
	switch code {
	case "Unavailable", "InternalServerError", "DeviceMessageRateExceeded":
		return true
	default:
		return false
	}
}

func (p *PushProvider) Health(context.Context) error {
	if p.config.ServerKey == "" {
		return notification.NewError(notification.KindConfiguration, "push_config", "server key not configured")
	}
	return nil
}

func (p *PushProvider) Configure(settings map[string]interface{}) error {
	if v, ok := settings["endpoint"].(string); ok && v != "" {
		p.config.Endpoint = v
	}
	if v, ok := settings["server_key"].(string); ok {
		p.config.ServerKey = v
	}
	if v, ok := settings["legacy_auth_header"].(bool); ok {
		p.config.LegacyAuthHeader = v
	}
	if p.config.ServerKey == "" {
		return notification.NewError(notification.KindConfiguration, "push_config", "server_key is required")
	}
	return nil
}
