// Package bus provides the in-memory message bus that decouples producers
// from the dispatch consumer loop. Queues are plain FIFO slices; a consumer
// that finds its queue empty parks on a waiter channel and is handed the next
// published message directly, oldest waiter first.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const maxPeek = 100

// InMemoryBus implements domain.MessageBus. All queue and waiter state is
// guarded by a single mutex; waiter channels are buffered so a publisher
// never blocks handing a message over.
type InMemoryBus struct {
	mu      sync.Mutex
	queues  map[string][]*domain.Message
	waiters map[string][]chan *domain.Message
	closed  bool
	logger  *slog.Logger
}

// New creates an empty bus with the standard inbound and outbound queues.
func New(logger *slog.Logger) *InMemoryBus {
	return &InMemoryBus{
		queues: map[string][]*domain.Message{
			domain.QueueInbound:  {},
			domain.QueueOutbound: {},
		},
		waiters: map[string][]chan *domain.Message{},
		logger:  logger,
	}
}

// Publish appends a message to the named queue, or hands it directly to the
// oldest waiting consumer when one is parked. No-op once the bus is closed.
func (b *InMemoryBus) Publish(queue string, msg *domain.Message) {
	if msg == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("publish to closed bus dropped", "queue", queue, "message_id", msg.ID)
		return
	}

	if ws := b.waiters[queue]; len(ws) > 0 {
		w := ws[0]
		b.waiters[queue] = ws[1:]
		w <- msg // buffered: never blocks
		return
	}

	b.queues[queue] = append(b.queues[queue], msg)
}

// PublishOutbound publishes onto the outbound queue.
func (b *InMemoryBus) PublishOutbound(msg *domain.Message) {
	b.Publish(domain.QueueOutbound, msg)
}

// Consume pops the oldest message from the named queue. When the queue is
// empty it parks until a publish hands it a message or the timeout elapses,
// whichever comes first. Returns nil on timeout or when the bus is closed.
// A timeout <= 0 waits indefinitely (until publish or Close).
func (b *InMemoryBus) Consume(queue string, timeout time.Duration) *domain.Message {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	if q := b.queues[queue]; len(q) > 0 {
		msg := q[0]
		b.queues[queue] = q[1:]
		b.mu.Unlock()
		return msg
	}

	w := make(chan *domain.Message, 1)
	b.waiters[queue] = append(b.waiters[queue], w)
	b.mu.Unlock()

	if timeout <= 0 {
		return <-w
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w:
		return msg
	case <-timer.C:
		// Remove ourselves from the waiter list. If a publisher got there
		// first we are no longer listed and a message is already sitting in
		// the channel; take it rather than losing it.
		b.mu.Lock()
		for i, cand := range b.waiters[queue] {
			if cand == w {
				b.waiters[queue] = append(b.waiters[queue][:i], b.waiters[queue][i+1:]...)
				b.mu.Unlock()
				return nil
			}
		}
		b.mu.Unlock()
		return <-w
	}
}

// Peek returns up to limit pending messages without removing them.
func (b *InMemoryBus) Peek(queue string, limit int) []*domain.Message {
	if limit <= 0 || limit > maxPeek {
		limit = maxPeek
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	if len(q) < limit {
		limit = len(q)
	}
	out := make([]*domain.Message, limit)
	copy(out, q[:limit])
	return out
}

// Size returns the number of pending messages in the named queue.
func (b *InMemoryBus) Size(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Sizes returns pending counts for every queue.
func (b *InMemoryBus) Sizes() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sizes := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		sizes[name] = len(q)
	}
	return sizes
}

// Drain removes up to limit messages from the named queue and returns how
// many were removed. A limit <= 0 clears the whole queue.
func (b *InMemoryBus) Drain(queue string, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	b.queues[queue] = q[limit:]
	return limit
}

// Close marks the bus closed, wakes every parked consumer with nil, and
// drops all pending messages.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for queue, ws := range b.waiters {
		for _, w := range ws {
			w <- nil
		}
		b.waiters[queue] = nil
	}
	for queue := range b.queues {
		b.queues[queue] = nil
	}
}
