package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// EmailConfig configures the SMTP provider.
type EmailConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	From     string `mapstructure:"from" yaml:"from"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// EmailProvider delivers over SMTP.
type EmailProvider struct {
	config EmailConfig
	logger *zap.Logger
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailProvider creates the SMTP provider.
func NewEmailProvider(cfg EmailConfig, logger *zap.Logger) *EmailProvider {
	return &EmailProvider{config: cfg, logger: logger, send: smtp.SendMail}
}

func (p *EmailProvider) Name() string                  { return "smtp-email" }
func (p *EmailProvider) Channel() notification.Channel { return notification.ChannelEmail }

func (p *EmailProvider) Validate(_ notification.Event, r notification.Recipient) notification.ValidationResult {
	if r.Email == "" {
		return notification.ValidationResult{Valid: false, Errors: []string{"recipient has no email address"}}
	}
	return notification.ValidationResult{Valid: true}
}

func (p *EmailProvider) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	if err := ctx.Err(); err != nil {
		return notification.DeliveryResult{Success: false, ErrorCode: "cancelled", ErrorMessage: err.Error(), Retryable: false}
	}
	addr := fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)
	var auth smtp.Auth
	if p.config.Username != "" {
		auth = smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		p.config.From, msg.Recipient.Email, content.Subject, content.Body)

	if err := p.send(addr, auth, p.config.From, []string{msg.Recipient.Email}, []byte(body)); err != nil {
		retryable := isNetworkError(err)
		code := "smtp_error"
		if retryable {
			code = "smtp_unreachable"
		}
		return notification.DeliveryResult{Success: false, ErrorCode: code, ErrorMessage: err.Error(), Retryable: retryable}
	}
	return notification.DeliveryResult{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("smtp-%s-%d", msg.ID, time.Now().UnixNano()),
	}
}

func (p *EmailProvider) Health(ctx context.Context) error {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.config.Host, p.config.Port))
	if err != nil {
		return fmt.Errorf("smtp unreachable: %w", err)
	}
	return conn.Close()
}

func (p *EmailProvider) Configure(settings map[string]interface{}) error {
	if v, ok := settings["host"].(string); ok {
		p.config.Host = v
	}
	if v, ok := settings["port"].(int); ok {
		p.config.Port = v
	}
	if v, ok := settings["from"].(string); ok {
		p.config.From = v
	}
	if p.config.Host == "" || p.config.From == "" {
		return notification.NewError(notification.KindConfiguration, "smtp_config", "host and from are required")
	}
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
