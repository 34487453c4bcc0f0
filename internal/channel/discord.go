package channel

import (
	"context"
	"fmt"
	"log/slog"

	"relaybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord delivers outbound messages through the Discord REST API.
type Discord struct {
	token   string
	session *discordgo.Session
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token  string
	Logger *slog.Logger
}

// NewDiscord creates a Discord channel. The session opens on Start.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{token: cfg.Token, logger: cfg.Logger}
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway session.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session init: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	d.session = session
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	return nil
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// Send delivers one message, chunking to Discord's 2000-char limit and
// attaching a reply reference when the message answers a specific one.
func (d *Discord) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	if d.session == nil {
		return domain.Failure("discord: not connected")
	}
	if msg.ChatID == "" {
		return domain.Failure("missing chat id for discord message")
	}

	text := msg.Content
	var lastID string
	first := true
	for len(text) > 0 {
		chunk := text
		if len(chunk) > discordMaxMsgLen {
			chunk = text[:discordMaxMsgLen]
			text = text[discordMaxMsgLen:]
		} else {
			text = ""
		}

		out := &discordgo.MessageSend{Content: chunk}
		if first && msg.ReplyTo != "" {
			out.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			}
		}
		first = false

		sent, err := d.session.ChannelMessageSendComplex(msg.ChatID, out)
		if err != nil {
			return domain.Failure(fmt.Sprintf("discord send: %v", err))
		}
		lastID = sent.ID
	}

	return domain.SendResult{OK: true, MessageID: lastID}
}
