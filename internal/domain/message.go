package domain

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys carried on outbound messages. The dispatch pipeline stamps
// the dispatch_* keys on retry clones; producers set kind and trigger id.
const (
	MetaKind       = "kind"
	MetaTriggerID  = "trigger_message_id"
	MetaRetryCount = "dispatch_retry"
	MetaLastError  = "dispatch_error"
	MetaRetryAt    = "dispatch_retry_at"
)

// Message kinds that mark a terminal agent response to an inbound trigger.
const (
	KindFinal = "final"
	KindError = "error"
)

// MediaItem is an attachment reference on an outbound message.
type MediaItem struct {
	Type string `json:"type"` // image | audio | video | document
	URL  string `json:"url"`
}

// Message is a single outbound delivery unit addressed to one destination.
// The pipeline treats it as immutable; retries operate on a Clone.
type Message struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	SenderID  string            `json:"sender_id"`
	Content   string            `json:"content"`
	Media     []MediaItem       `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewMessage creates an outbound message with a fresh ID and timestamp.
func NewMessage(provider, chatID, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Provider:  provider,
		Channel:   provider,
		ChatID:    chatID,
		Content:   content,
		Metadata:  map[string]string{},
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy with its own metadata map and media slice, so a
// retry copy can be stamped without mutating the original.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.Media != nil {
		c.Media = make([]MediaItem, len(m.Media))
		copy(c.Media, m.Media)
	}
	return &c
}

// Meta returns the metadata value for key, or "" when unset.
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (m *Message) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.Metadata[key] = value
}
