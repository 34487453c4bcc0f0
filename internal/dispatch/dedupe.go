package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// DedupeKey computes the stable key under which a message is considered "the
// same" as an earlier one. Terminal agent replies to a known trigger are keyed
// by destination and trigger only, so any number of internally retried
// attempts to answer the same incoming message collapse to one delivery. All
// other messages are additionally keyed by normalized content and media.
func DedupeKey(provider string, msg *domain.Message) string {
	kind := msg.Meta(domain.MetaKind)
	trigger := msg.Meta(domain.MetaTriggerID)

	parts := []string{provider, msg.ChatID, msg.ThreadID, msg.ReplyTo, kind}

	if (kind == domain.KindFinal || kind == domain.KindError) && trigger != "" {
		parts = append(parts, trigger)
	} else {
		sender := msg.SenderID
		if sender == "" {
			sender = trigger
		}
		parts = append(parts, sender, normalizeContent(msg.Content), mediaSignature(msg.Media))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// normalizeContent lowercases and collapses all whitespace runs to single
// spaces, so cosmetic differences do not defeat deduplication.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// mediaSignature serializes media as sorted type:url pairs, making the key
// independent of attachment order.
func mediaSignature(media []domain.MediaItem) string {
	if len(media) == 0 {
		return ""
	}
	pairs := make([]string, len(media))
	for i, m := range media {
		pairs[i] = m.Type + ":" + m.URL
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

type dedupeEntry struct {
	at        time.Time
	messageID string
}

// dedupeCache is the TTL-bounded cache of recently delivered messages. It is
// owned exclusively by the dispatch service.
type dedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]dedupeEntry
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	return &dedupeCache{ttl: ttl, maxSize: maxSize, entries: map[string]dedupeEntry{}}
}

// get returns the cached message ID for key while the entry is within TTL.
func (c *dedupeCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Since(e.at) > c.ttl {
		return "", false
	}
	return e.messageID, true
}

func (c *dedupeCache) put(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = dedupeEntry{at: time.Now(), messageID: messageID}
}

// prune drops expired entries, then evicts oldest-first while still over the
// hard size cap.
func (c *dedupeCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.maxSize {
		oldestKey := ""
		var oldestAt time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey = key
				oldestAt = e.at
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *dedupeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
