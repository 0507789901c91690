// Package notify posts out-of-band ticket notices to external channels.
// Notifications are best-effort; the workflow never depends on them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// messagePoster is the slice of the Slack API the notifier uses.
type messagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier delivers ticket notices to one Slack channel.
type SlackNotifier struct {
	api     messagePoster
	channel string
	logger  *slog.Logger
}

// NewSlack creates a notifier posting to the given channel.
func NewSlack(token, channel string, logger *slog.Logger) (*SlackNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
		logger:  logger,
	}, nil
}

// Notify posts a single text message.
func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	n.logger.Debug("notification sent", "channel", n.channel, "len", len(text))
	return nil
}
