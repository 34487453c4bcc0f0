package domain

import (
	"context"
	"time"
)

// DeadLetterRecord captures the full failure context of a message that
// exhausted its retry budget, for offline inspection and replay.
type DeadLetterRecord struct {
	ID         int64             `json:"id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Provider   string            `json:"provider"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id"`
	SenderID   string            `json:"sender_id,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	ThreadID   string            `json:"thread_id,omitempty"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeadLetterStore persists dead-lettered messages. Append is best effort:
// the dispatch service logs and swallows its errors.
type DeadLetterStore interface {
	Append(ctx context.Context, rec DeadLetterRecord) error
	List(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	MarkReplayed(ctx context.Context, id int64) error
	Close() error
}
