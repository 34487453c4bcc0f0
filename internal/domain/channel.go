package domain

import "context"

// SendResult is the structured outcome of one delivery attempt. Dispatch
// callers always receive a SendResult, never a panic or raw error.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failure builds a failed SendResult from an error string.
func Failure(errText string) SendResult {
	return SendResult{OK: false, Error: errText}
}

// Channel is a delivery transport for one chat platform (Telegram, Discord,
// Slack, WebSocket). Only Send is on the dispatch hot path; Start/Stop manage
// the underlying connection.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, msg *Message) SendResult
}

// Sender routes an outbound message to the channel registered for its
// provider. The dispatch service never sees anything narrower than this.
type Sender interface {
	Send(ctx context.Context, msg *Message) SendResult
}
