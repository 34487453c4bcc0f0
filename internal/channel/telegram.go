package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"relaybot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram delivers outbound messages through the Telegram Bot API.
type Telegram struct {
	token     string
	parseMode string
	bot       *tgbotapi.BotAPI
	logger    *slog.Logger
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token     string
	ParseMode string
	Logger    *slog.Logger
}

// NewTelegram creates a Telegram channel. The bot connects on Start.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{token: cfg.Token, parseMode: cfg.ParseMode, logger: cfg.Logger}
}

func (t *Telegram) Name() string { return "telegram" }

// Start authenticates against the Bot API.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return nil
}

func (t *Telegram) Stop() error { return nil }

// Send delivers one message, chunking to Telegram's length limit. The
// provider message ID of the last chunk is returned.
func (t *Telegram) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	if t.bot == nil {
		return domain.Failure("telegram: not connected")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return domain.Failure(fmt.Sprintf("missing chat id: %q is not a telegram chat", msg.ChatID))
	}

	text := msg.Content
	var lastID int
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		id, err := t.sendChunk(chatID, msg, chunk)
		if err != nil {
			return domain.Failure(fmt.Sprintf("telegram send: %v", err))
		}
		lastID = id
	}

	return domain.SendResult{OK: true, MessageID: strconv.Itoa(lastID)}
}

// sendChunk tries the configured parse mode first; a Telegram entity-parse
// error falls back to plain text rather than failing the delivery.
func (t *Telegram) sendChunk(chatID int64, msg *domain.Message, text string) (int, error) {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = t.parseMode
	if replyTo, err := strconv.Atoi(msg.ReplyTo); err == nil && replyTo != 0 {
		out.ReplyToMessageID = replyTo
	}

	sent, err := t.bot.Send(out)
	if err == nil {
		return sent.MessageID, nil
	}

	if strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram markdown parse error, retrying as plain text",
			"chat_id", chatID, "err", err,
		)
		plain := tgbotapi.NewMessage(chatID, text)
		if replyTo, perr := strconv.Atoi(msg.ReplyTo); perr == nil && replyTo != 0 {
			plain.ReplyToMessageID = replyTo
		}
		sent, err = t.bot.Send(plain)
		if err == nil {
			return sent.MessageID, nil
		}
	}

	return 0, err
}
