package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relaybot/internal/domain"
)

// Webhook delivers outbound messages as signed HTTP POSTs to a receiver URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	URL     string
	Secret  string // HMAC secret for signing request bodies; empty disables signing
	Timeout time.Duration
	Logger  *slog.Logger
}

// webhookPayload is the JSON body POSTed to the receiver.
type webhookPayload struct {
	MessageID string            `json:"message_id"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewWebhook creates a webhook channel targeting cfg.URL.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Start(ctx context.Context) error {
	w.logger.Info("webhook channel ready", "url", w.url)
	return nil
}

func (w *Webhook) Stop() error {
	w.client.CloseIdleConnections()
	return nil
}

// Send POSTs the message to the receiver. When a secret is configured the
// body is signed with HMAC-SHA256 in the X-Signature-256 header. 4xx
// responses other than 408 and 429 are reported as permission errors so the
// dispatcher does not retry them.
func (w *Webhook) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	body, err := json.Marshal(webhookPayload{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		ReplyTo:   msg.ReplyTo,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Timestamp: time.Now(),
	})
	if err != nil {
		return domain.Failure(fmt.Sprintf("webhook encode: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return domain.Failure(fmt.Sprintf("webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Signature-256", signBody(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.Failure(fmt.Sprintf("webhook post: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.SendResult{OK: true, MessageID: msg.ID}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Failure(fmt.Sprintf("webhook not authorized: status %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return domain.Failure(fmt.Sprintf("webhook rejected: invalid argument: status %d", resp.StatusCode))
	default:
		return domain.Failure(fmt.Sprintf("webhook failed: status %d", resp.StatusCode))
	}
}

// signBody computes the sha256= HMAC signature the receiver verifies.
func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
