package channel

import (
	"context"
	"fmt"
	"log/slog"

	"relaybot/internal/domain"

	"github.com/slack-go/slack"
)

// Slack delivers outbound messages through the Slack Web API.
type Slack struct {
	botToken string
	client   *slack.Client
	logger   *slog.Logger
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	Logger   *slog.Logger
}

// NewSlack creates a Slack channel. The client authenticates on Start.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{botToken: cfg.BotToken, logger: cfg.Logger}
}

func (s *Slack) Name() string { return "slack" }

// Start verifies the bot token.
func (s *Slack) Start(ctx context.Context) error {
	client := slack.New(s.botToken)

	authResp, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.client = client
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)
	return nil
}

func (s *Slack) Stop() error { return nil }

// Send posts one message; thread replies use the thread timestamp carried on
// the message. Slack's message timestamp doubles as the provider message ID.
func (s *Slack) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	if s.client == nil {
		return domain.Failure("slack: not connected")
	}
	if msg.ChatID == "" {
		return domain.Failure("missing chat id for slack message")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}

	_, ts, err := s.client.PostMessageContext(ctx, msg.ChatID, opts...)
	if err != nil {
		return domain.Failure(fmt.Sprintf("slack send: %v", err))
	}

	return domain.SendResult{OK: true, MessageID: ts}
}
