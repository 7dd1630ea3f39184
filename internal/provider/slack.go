package provider

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// slackAPI is the subset of the Slack client the provider uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SlackConfig configures the Slack provider.
type SlackConfig struct {
	Token          string `mapstructure:"token" yaml:"token"`
	DefaultChannel string `mapstructure:"default_channel" yaml:"default_channel"`
}

// SlackProvider delivers via the Slack Web API.
type SlackProvider struct {
	api    slackAPI
	config SlackConfig
	logger *zap.Logger
}

// NewSlackProvider creates the Slack provider.
func NewSlackProvider(cfg SlackConfig, logger *zap.Logger) *SlackProvider {
	return &SlackProvider{api: slack.New(cfg.Token), config: cfg, logger: logger}
}

// newSlackProviderWithAPI injects a fake client in tests.
func newSlackProviderWithAPI(api slackAPI, cfg SlackConfig, logger *zap.Logger) *SlackProvider {
	return &SlackProvider{api: api, config: cfg, logger: logger}
}

func (p *SlackProvider) Name() string                  { return "slack" }
func (p *SlackProvider) Channel() notification.Channel { return notification.ChannelSlack }

func (p *SlackProvider) Validate(_ notification.Event, r notification.Recipient) notification.ValidationResult {
	if r.SlackUserID == "" && p.config.DefaultChannel == "" {
		return notification.ValidationResult{Valid: false, Errors: []string{"no slack target and no default channel"}}
	}
	return notification.ValidationResult{Valid: true}
}

func (p *SlackProvider) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	target := msg.Recipient.SlackUserID
	if target == "" {
		target = p.config.DefaultChannel
	}
	text := content.Body
	if content.Subject != "" {
		text = "*" + content.Subject + "*\n" + content.Body
	}
	_, ts, err := p.api.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	if err != nil {
		return notification.DeliveryResult{
			Success:      false,
			ErrorCode:    slackErrorCode(err),
			ErrorMessage: err.Error(),
			Retryable:    isSlackRetryable(err),
		}
	}
	return notification.DeliveryResult{Success: true, ProviderMessageID: ts}
}

func (p *SlackProvider) Health(ctx context.Context) error {
	_, err := p.api.AuthTestContext(ctx)
	return err
}

func (p *SlackProvider) Configure(settings map[string]interface{}) error {
	if v, ok := settings["default_channel"].(string); ok {
		p.config.DefaultChannel = v
	}
	if v, ok := settings["token"].(string); ok && v != "" {
		p.config.Token = v
		p.api = slack.New(v)
	}
	if p.config.Token == "" {
		return notification.NewError(notification.KindConfiguration, "slack_config", "token is required")
	}
	return nil
}

// isSlackRetryable treats rate limits and transport failures as transient;
// auth and channel errors are permanent.
func isSlackRetryable(err error) bool {
	if _, ok := err.(*slack.RateLimitedError); ok {
		return true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"),
		strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "not_in_channel"):
		return false
	default:
		return true
	}
}

func slackErrorCode(err error) string {
	if _, ok := err.(*slack.RateLimitedError); ok {
		return "slack_rate_limited"
	}
	return "slack_error"
}
