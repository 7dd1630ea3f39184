package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// SMSConfig configures the SMS gateway provider.
type SMSConfig struct {
	GatewayURL string        `mapstructure:"gateway_url" yaml:"gateway_url"`
	AccountSID string        `mapstructure:"account_sid" yaml:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token" yaml:"auth_token"`
	FromNumber string        `mapstructure:"from_number" yaml:"from_number"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxLength  int           `mapstructure:"max_length" yaml:"max_length"`
}

// SMSProvider posts form-encoded messages to an SMS gateway endpoint.
type SMSProvider struct {
	client *http.Client
	config SMSConfig
	logger *zap.Logger
}

// NewSMSProvider creates the SMS gateway provider.
func NewSMSProvider(cfg SMSConfig, logger *zap.Logger) *SMSProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1600
	}
	return &SMSProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

func (p *SMSProvider) Name() string                  { return "sms-gateway" }
func (p *SMSProvider) Channel() notification.Channel { return notification.ChannelSMS }

func (p *SMSProvider) Validate(_ notification.Event, r notification.Recipient) notification.ValidationResult {
	if r.PhoneNumber == "" {
		return notification.ValidationResult{Valid: false, Errors: []string{"recipient has no phone number"}}
	}
	if !strings.HasPrefix(r.PhoneNumber, "+") {
		return notification.ValidationResult{Valid: false, Errors: []string{"phone number must be E.164"}}
	}
	return notification.ValidationResult{Valid: true}
}

func (p *SMSProvider) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	body := content.Body
	if content.Subject != "" {
		body = content.Subject + ": " + body
	}
	if len(body) > p.config.MaxLength {
		body = body[:p.config.MaxLength]
	}
	form := url.Values{
		"To":   {msg.Recipient.PhoneNumber},
		"From": {p.config.FromNumber},
		"Body": {body},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "bad_url", ErrorMessage: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.config.AccountSID != "" {
		req.SetBasicAuth(p.config.AccountSID, p.config.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "http_transport", ErrorMessage: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp.StatusCode, msg.ID)
}

func (p *SMSProvider) Health(context.Context) error {
	if p.config.GatewayURL == "" {
		return notification.NewError(notification.KindConfiguration, "sms_config", "gateway url not configured")
	}
	return nil
}

func (p *SMSProvider) Configure(settings map[string]interface{}) error {
	if v, ok := settings["gateway_url"].(string); ok {
		p.config.GatewayURL = v
	}
	if v, ok := settings["from_number"].(string); ok {
		p.config.FromNumber = v
	}
	if p.config.GatewayURL == "" {
		return notification.NewError(notification.KindConfiguration, "sms_config", "gateway_url is required")
	}
	return nil
}
