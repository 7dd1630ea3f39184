package workflow

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackPoster is the subset of the Slack client the adapter uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAdapter posts a message to a Slack channel. Config keys: channel,
// text. The node credential supplies the bot token; DefaultChannel applies
// when the config names none.
type SlackAdapter struct {
	DefaultChannel string

	// newClient is swapped in tests.
	newClient func(token string) slackPoster
}

// NewSlackAdapter creates the adapter.
func NewSlackAdapter(defaultChannel string) *SlackAdapter {
	return &SlackAdapter{
		DefaultChannel: defaultChannel,
		newClient:      func(token string) slackPoster { return slack.New(token) },
	}
}

func (a *SlackAdapter) Type() string { return "slack" }

func (a *SlackAdapter) Execute(ctx context.Context, ex *Execution) (map[string]interface{}, error) {
	if ex.Credential == nil || len(ex.Credential.Secret) == 0 {
		return nil, fmt.Errorf("slack: missing credential")
	}
	channel := ex.configString("channel")
	if channel == "" {
		channel = a.DefaultChannel
	}
	if channel == "" {
		return nil, fmt.Errorf("slack: no channel configured")
	}
	text := ex.configString("text")
	if text == "" {
		return nil, fmt.Errorf("slack: missing text")
	}

	api := a.newClient(string(ex.Credential.Secret))
	respChannel, ts, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, fmt.Errorf("slack post: %w", err)
	}
	return map[string]interface{}{
		"channel":   respChannel,
		"timestamp": ts,
	}, nil
}
