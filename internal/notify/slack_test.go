package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/slack-go/slack"
)

type fakePoster struct {
	channel string
	err     error
	calls   int
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	return "", "", f.err
}

func TestNotifyPostsToChannel(t *testing.T) {
	poster := &fakePoster{}
	n := &SlackNotifier{api: poster, channel: "#support", logger: slog.Default()}

	if err := n.Notify(context.Background(), "ticket TCKT-001 escalated"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if poster.calls != 1 || poster.channel != "#support" {
		t.Errorf("expected one post to #support, got %d to %q", poster.calls, poster.channel)
	}
}

func TestNotifyWrapsError(t *testing.T) {
	poster := &fakePoster{err: errors.New("channel_not_found")}
	n := &SlackNotifier{api: poster, channel: "#support", logger: slog.Default()}

	err := n.Notify(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewSlackRequiresTokenAndChannel(t *testing.T) {
	if _, err := NewSlack("", "#support", nil); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewSlack("xoxb-123", "", nil); err == nil {
		t.Error("expected error for missing channel")
	}
}
