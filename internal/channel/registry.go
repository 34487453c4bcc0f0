// Package channel contains the delivery transports for the supported chat
// platforms and the registry that routes outbound messages to them.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

// Registry maps provider names to channels and implements domain.Sender.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]domain.Channel
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{channels: map[string]domain.Channel{}, logger: logger}
}

// Register adds a channel under its own name, replacing any previous one.
func (r *Registry) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Send routes msg to the channel registered for its provider. An unknown
// provider is a permanent addressing failure, not a transient one.
func (r *Registry) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	ch, ok := r.Get(msg.Provider)
	if !ok {
		return domain.Failure(fmt.Sprintf("unknown channel: %s", msg.Provider))
	}
	return ch.Send(ctx, msg)
}

// StartAll starts every registered channel, each on its own goroutine.
// Channels that fail to start are logged and skipped; delivery to them will
// fail at send time.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, ch := range r.channels {
		go func(name string, ch domain.Channel) {
			if err := ch.Start(ctx); err != nil {
				r.logger.Error("channel failed to start", "channel", name, "err", err)
			}
		}(name, ch)
	}
}

// StopAll stops every registered channel.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, ch := range r.channels {
		if err := ch.Stop(); err != nil {
			r.logger.Warn("channel stop failed", "channel", name, "err", err)
		}
	}
}
