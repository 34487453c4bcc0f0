package domain

import "time"

// Queue names on the message bus.
const (
	QueueInbound  = "inbound"
	QueueOutbound = "outbound"
)

// MessageBus decouples producers from the dispatch consumer loop. Consume
// returns nil on timeout or when the bus is closed.
type MessageBus interface {
	Publish(queue string, msg *Message)
	PublishOutbound(msg *Message)
	Consume(queue string, timeout time.Duration) *Message
	Peek(queue string, limit int) []*Message
	Size(queue string) int
	Sizes() map[string]int
	Drain(queue string, limit int) int
	Close()
}
